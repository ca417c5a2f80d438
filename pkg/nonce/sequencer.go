package nonce

import (
	"sync"
	"time"
)

type keyState struct {
	mx   sync.Mutex
	last int64
}

// Sequencer issues strictly increasing nonces per credential key. The nonce
// is the wall clock in milliseconds, bumped past the previous value when the
// clock has not moved.
type Sequencer struct {
	mx   sync.Mutex
	keys map[string]*keyState
	now  func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
}

func (s *Sequencer) state(key string) *keyState {
	s.mx.Lock()
	defer s.mx.Unlock()
	st, ok := s.keys[key]
	if !ok {
		st = &keyState{}
		s.keys[key] = st
	}
	return st
}

// next must be called with st.mx held
func (s *Sequencer) next(st *keyState) int64 {
	nonce := s.now().UnixNano() / int64(time.Millisecond)
	if nonce <= st.last {
		nonce = st.last + 1
	}
	st.last = nonce
	return nonce
}

// WithNonce runs fn with the next nonce of key while holding the key exclusively.
// Build and sign the request inside fn, send it after WithNonce returns.
func WithNonce[T any](s *Sequencer, key string, fn func(nonce int64) (T, error)) (T, error) {
	st := s.state(key)
	st.mx.Lock()
	defer st.mx.Unlock()
	return fn(s.next(st))
}

// Last reports the latest nonce issued for key, zero when none
func (s *Sequencer) Last(key string) int64 {
	st := s.state(key)
	st.mx.Lock()
	defer st.mx.Unlock()
	return st.last
}
