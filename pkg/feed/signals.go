package feed

import (
	"context"
	"sync"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var signalCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_signal_count",
	Help: "received trading signals",
}, []string{"exchange", "result"})

func init() {
	prometheus.MustRegister(signalCounters)
}

const DefaultSignalQueueSize = 64

var ErrSignalRouterClosed = errors.New("feed: signal router closed")

// SignalHandler executes one signal, implemented by trading.Exchange
type SignalHandler interface {
	Handle(ctx context.Context, instrument trading.Instrument, signal trading.TradingSignal) trading.Acknowledgement
}

// AckPublisher delivers acknowledgements back to the signal originator
type AckPublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// SignalFrame is one trading command as sent by the engine
type SignalFrame struct {
	Instrument trading.Instrument    `json:"instrument"`
	Signal     trading.TradingSignal `json:"signal"`
}

// SignalRouter feeds decoded signals into one FIFO queue per configured
// instrument. Each queue is drained by its own worker, so one instrument
// waiting on the venue never holds back another. Signals for other
// instruments are rejected. Its Handle method fits stream.Handler.
type SignalRouter struct {
	exchange  string
	logger    *zap.Logger
	handler   SignalHandler
	acks      AckPublisher
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx     sync.Mutex
	queues map[trading.Instrument]chan SignalFrame
	closed bool
}

// NewSignalRouter creates the router and starts one worker per instrument.
// acks may be nil when nobody listens for acknowledgements.
func NewSignalRouter(logger *zap.Logger, exchange string, instruments []trading.Instrument, handler SignalHandler, acks AckPublisher, queueSize int) *SignalRouter {
	if queueSize <= 0 {
		queueSize = DefaultSignalQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &SignalRouter{
		exchange: exchange,
		logger:   logger,
		handler:  handler,
		acks:     acks,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[trading.Instrument]chan SignalFrame, len(instruments)),
	}
	for _, instrument := range instruments {
		if _, ok := r.queues[instrument]; ok {
			continue
		}
		queue := make(chan SignalFrame, queueSize)
		r.queues[instrument] = queue
		r.wg.Add(1)
		go r.worker(queue)
	}
	return r
}

// Handle decodes and queues a signal. Signals that cannot be queued are
// answered with a connector failure right away.
func (r *SignalRouter) Handle(ctx context.Context, data []byte) error {
	var frame SignalFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		signalCounters.WithLabelValues(r.exchange, "malformed").Inc()
		return errors.WithMessage(err, "fail parse signal frame")
	}
	if frame.Instrument.Exchange == "" {
		frame.Instrument.Exchange = r.exchange
	}
	if frame.Instrument.Symbol == "" || frame.Signal.OrderID == "" {
		signalCounters.WithLabelValues(r.exchange, "malformed").Inc()
		return errors.New("signal frame without symbol or order id")
	}
	if frame.Signal.Timestamp.IsZero() {
		frame.Signal.Timestamp = r.now()
	}

	if err := r.enqueue(frame); err != nil {
		signalCounters.WithLabelValues(r.exchange, "rejected").Inc()
		r.publish(trading.Acknowledgement{
			OrderID:     frame.Signal.OrderID,
			Instrument:  frame.Instrument,
			Command:     frame.Signal.Command,
			FailureType: trading.FailureConnectorError,
			Reason:      err.Error(),
		})
		return err
	}
	signalCounters.WithLabelValues(r.exchange, "queued").Inc()
	return nil
}

func (r *SignalRouter) enqueue(frame SignalFrame) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return ErrSignalRouterClosed
	}
	queue, ok := r.queues[frame.Instrument]
	if !ok {
		return trading.NewError(trading.KindUnknownInstrument, "unknown instrument "+frame.Instrument.String())
	}
	select {
	case queue <- frame:
		return nil
	default:
		return trading.NewError(trading.KindInvalidState, "signal queue full for "+frame.Instrument.String())
	}
}

func (r *SignalRouter) worker(queue chan SignalFrame) {
	defer r.wg.Done()
	for frame := range queue {
		ack := r.handler.Handle(r.ctx, frame.Instrument, frame.Signal)
		r.publish(ack)
	}
}

func (r *SignalRouter) publish(ack trading.Acknowledgement) {
	if r.acks == nil {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		r.logger.Error("feed: fail marshal acknowledgement", zap.String("orderId", ack.OrderID), zap.Error(err))
		return
	}
	if err = r.acks.Publish(r.ctx, data); err != nil {
		r.logger.Warn("feed: fail publish acknowledgement", zap.String("orderId", ack.OrderID), zap.Error(err))
	}
}

// Close stops accepting signals and waits for queued ones. When ctx expires
// first, in-flight venue calls are cancelled.
func (r *SignalRouter) Close(ctx context.Context) error {
	r.mx.Lock()
	if !r.closed {
		r.closed = true
		for _, queue := range r.queues {
			close(queue)
		}
	}
	r.mx.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
