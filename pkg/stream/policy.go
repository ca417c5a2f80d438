package stream

import (
	"sync"
	"time"
)

const (
	DefaultShortDelay = 5 * time.Second
	DefaultLongDelay  = 5 * time.Minute
	DefaultLongEvery  = 60
)

// ReconnectPolicy waits ShortDelay between failed attempts and LongDelay on
// every LongEvery-th consecutive failure. It implements backoff.BackOff.
type ReconnectPolicy struct {
	ShortDelay time.Duration
	LongDelay  time.Duration
	LongEvery  int

	mx       sync.Mutex
	attempts int
}

func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		ShortDelay: DefaultShortDelay,
		LongDelay:  DefaultLongDelay,
		LongEvery:  DefaultLongEvery,
	}
}

func (p *ReconnectPolicy) NextBackOff() time.Duration {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.attempts++
	if p.LongEvery > 0 && p.attempts%p.LongEvery == 0 {
		return p.LongDelay
	}
	return p.ShortDelay
}

func (p *ReconnectPolicy) Reset() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.attempts = 0
}

// Attempts counts consecutive failures since the last reset
func (p *ReconnectPolicy) Attempts() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.attempts
}
