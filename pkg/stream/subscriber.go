package stream

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var connectCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_connect_count",
	Help: "transport connect attempts",
}, []string{"subscriber", "result"})

var stallCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_stall_count",
	Help: "heartbeat watchdog forced reconnects",
}, []string{"subscriber"})

var frameCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_frame_count",
	Help: "received frames",
}, []string{"subscriber"})

var handlerErrorCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_handler_error_count",
	Help: "frames whose handler failed or panicked",
}, []string{"subscriber"})

func init() {
	prometheus.MustRegister(connectCounters, stallCounters, frameCounters, handlerErrorCounters)
}

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateDisposed
)

var stateNames = [...]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateStarted:  "started",
	StateStopping: "stopping",
	StateDisposed: "disposed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const closeTimeout = 2 * time.Second

// stallEvent is sent by the watchdog into the control loop
type stallEvent struct {
	run uint64
}

type Options struct {
	// Heartbeat is the longest silence tolerated before a forced reconnect, 0 disables the watchdog
	Heartbeat time.Duration
	Policy    backoff.BackOff
}

// Subscriber owns one transport session: it connects, receives frames, hands
// them to handlers and reconnects on failure. Authentication failures stop it
// for good and are published on Fatal.
type Subscriber struct {
	name      string
	logger    *zap.Logger
	transport Transport
	heartbeat time.Duration
	policy    backoff.BackOff

	mx         sync.Mutex
	state      State
	run        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	authFailed bool

	handlersMx sync.RWMutex
	handlers   []Handler

	connects int64
	control  chan stallEvent
	quit     chan struct{}
	fatal    chan error
}

func NewSubscriber(logger *zap.Logger, name string, transport Transport, opts Options) *Subscriber {
	policy := opts.Policy
	if policy == nil {
		policy = NewReconnectPolicy()
	}
	s := &Subscriber{
		name:      name,
		logger:    logger.With(zap.String("subscriber", name)),
		transport: transport,
		heartbeat: opts.Heartbeat,
		policy:    policy,
		state:     StateStopped,
		control:   make(chan stallEvent, 1),
		quit:      make(chan struct{}),
		fatal:     make(chan error, 1),
	}
	go s.controlLoop()
	return s
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Connects counts connect attempts over the subscriber lifetime
func (s *Subscriber) Connects() int {
	return int(atomic.LoadInt64(&s.connects))
}

// Fatal delivers the authentication failure that stopped the subscriber
func (s *Subscriber) Fatal() <-chan error {
	return s.fatal
}

// Subscribe registers a frame handler. Handlers run on the receive goroutine in registration order.
func (s *Subscriber) Subscribe(handler Handler) {
	s.handlersMx.Lock()
	defer s.handlersMx.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Send writes to the current session
func (s *Subscriber) Send(ctx context.Context, payload []byte) error {
	return s.transport.Send(ctx, payload)
}

// Start launches the receive loop and returns immediately. It is a no-op
// unless the subscriber is stopped, or after an authentication failure.
func (s *Subscriber) Start() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateStopped {
		return
	}
	if s.authFailed {
		s.logger.Warn("stream: start ignored after authentication failure")
		return
	}
	s.state = StateStarting
	s.run++
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.loop(ctx, s.run, done)
	s.state = StateStarted
	s.logger.Info("stream: started", zap.Uint64("run", s.run))
}

// Stop interrupts a pending connect or receive and waits for the loop to exit
func (s *Subscriber) Stop() {
	s.stop(0)
}

// stop stops the given run, or whatever runs when run is 0
func (s *Subscriber) stop(run uint64) bool {
	s.mx.Lock()
	if s.state != StateStarted || (run != 0 && run != s.run) {
		s.mx.Unlock()
		return false
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mx.Unlock()

	cancel()
	<-done

	s.mx.Lock()
	defer s.mx.Unlock()
	s.cancel = nil
	s.done = nil
	if s.state == StateStopping {
		s.state = StateStopped
	}
	s.logger.Info("stream: stopped")
	return true
}

// Dispose stops the subscriber permanently
func (s *Subscriber) Dispose() {
	s.Stop()
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state == StateDisposed {
		return
	}
	s.state = StateDisposed
	close(s.quit)
	s.logger.Info("stream: disposed")
}

func (s *Subscriber) controlLoop() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.control:
			if !s.stop(ev.run) {
				continue
			}
			stallCounters.WithLabelValues(s.name).Inc()
			s.logger.Warn("stream: heartbeat stall, reconnect", zap.Uint64("run", ev.run), zap.Duration("heartbeat", s.heartbeat))
			s.Start()
		}
	}
}

func (s *Subscriber) loop(ctx context.Context, run uint64, done chan struct{}) {
	defer close(done)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.session(ctx, run)
		if ctx.Err() != nil {
			return struct{}{}, ctx.Err()
		}
		if trading.IsKind(err, trading.KindAuthentication) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err == nil {
			err = errors.New("session closed")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(s.policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("stream: session failed, retry", zap.Error(err), zap.Duration("delay", next))
		}),
	)

	if ctx.Err() != nil {
		return
	}
	if trading.IsKind(err, trading.KindAuthentication) {
		s.mx.Lock()
		s.authFailed = true
		s.mx.Unlock()
		s.logger.Error("stream: authentication failed, subscriber halted", zap.Error(err))
		select {
		case s.fatal <- err:
		default:
		}
	}
}

func (s *Subscriber) session(ctx context.Context, run uint64) error {
	atomic.AddInt64(&s.connects, 1)
	if err := s.transport.Connect(ctx); err != nil {
		connectCounters.WithLabelValues(s.name, "fail").Inc()
		return err
	}
	connectCounters.WithLabelValues(s.name, "ok").Inc()
	s.logger.Info("stream: connected", zap.Uint64("run", run))
	s.policy.Reset()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.transport.Close(closeCtx); err != nil {
			s.logger.Debug("stream: close transport", zap.Error(err))
		}
	}()

	var watchdog *time.Timer
	if s.heartbeat > 0 {
		watchdog = time.AfterFunc(s.heartbeat, func() {
			select {
			case s.control <- stallEvent{run: run}:
			default:
			}
		})
		defer watchdog.Stop()
	}

	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			return err
		}
		if watchdog != nil {
			watchdog.Reset(s.heartbeat)
		}
		frameCounters.WithLabelValues(s.name).Inc()
		s.dispatch(ctx, frame)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, frame []byte) {
	s.handlersMx.RLock()
	handlers := s.handlers
	s.handlersMx.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					handlerErrorCounters.WithLabelValues(s.name).Inc()
					s.logger.Error("stream: handler panic", zap.Any("panic", r), zap.ByteString("frame", frame))
				}
			}()
			if err := handler(ctx, frame); err != nil {
				handlerErrorCounters.WithLabelValues(s.name).Inc()
				s.logger.Warn("stream: handler failed", zap.Error(err), zap.ByteString("frame", frame))
			}
		}()
	}
}
