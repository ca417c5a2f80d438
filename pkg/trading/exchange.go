package trading

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var commandCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_command_count",
	Help: "handled trading signals by outcome",
}, []string{"exchange", "command", "result"})

var venueCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_venue_call_count",
	Help: "venue order calls including retries",
}, []string{"exchange", "operation"})

var commandDurations = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "exchange_command_duration_us",
	Help:       "trading signal handling durations microseconds",
	AgeBuckets: 1,
}, []string{"exchange", "command"})

func init() {
	prometheus.MustRegister(commandCounters, venueCalls, commandDurations)
}

const (
	DefaultStaleAfter = 10 * time.Minute
	DefaultRetryDelay = time.Second

	retryMaxTries = 2
)

// Option configures Exchange construction parameters.
type Option func(*Exchange)

// WithStaleAfter overrides the age after which create signals are dropped.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Exchange) {
		if d > 0 {
			e.staleAfter = d
		}
	}
}

// WithRetryDelay sets the pause before the single retry of a failed venue call.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Exchange) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithAuditSink sets where translated signals are persisted.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Exchange) {
		e.audit = sink
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) {
		if now != nil {
			e.now = now
		}
	}
}

// Exchange dispatches trading signals to one venue. Commands for the same
// instrument never run concurrently, different instruments are independent.
type Exchange struct {
	name       string
	logger     *zap.Logger
	venue      Venue
	audit      AuditSink
	locks      map[Instrument]chan struct{}
	ledger     *ordersLedger
	staleAfter time.Duration
	retryDelay time.Duration
	now        func() time.Time
}

func NewExchange(logger *zap.Logger, name string, venue Venue, instruments []Instrument, opts ...Option) *Exchange {
	e := &Exchange{
		name:       name,
		logger:     logger,
		venue:      venue,
		locks:      make(map[Instrument]chan struct{}, len(instruments)),
		ledger:     newOrdersLedger(instruments),
		staleAfter: DefaultStaleAfter,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
	}
	for _, instrument := range instruments {
		e.locks[instrument] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Name() string {
	return e.name
}

func (e *Exchange) Instruments() []Instrument {
	result := make([]Instrument, 0, len(e.locks))
	for instrument := range e.locks {
		result = append(result, instrument)
	}
	return result
}

// OpenOrders lists orders placed and not yet cancelled or finished
func (e *Exchange) OpenOrders(instrument Instrument) []TradingSignal {
	orders, _ := e.ledger.getOrders(instrument)
	return orders
}

// Handle processes one signal and always answers with an acknowledgement.
// The audit record is written once the command completes.
func (e *Exchange) Handle(ctx context.Context, instrument Instrument, signal TradingSignal) Acknowledgement {
	received := e.now()
	start := time.Now()

	report, err := e.execute(ctx, instrument, signal)

	ack := Acknowledgement{
		OrderID:     signal.OrderID,
		Instrument:  instrument,
		Command:     signal.Command,
		FailureType: FailureTypeOf(err),
		Report:      report,
	}
	if err != nil {
		ack.Reason = err.Error()
		e.logger.Warn("exchange: signal failed",
			zap.String("exchange", e.name),
			zap.String("instrument", instrument.String()),
			zap.String("orderId", signal.OrderID),
			zap.String("command", signal.Command.String()),
			zap.String("failure", ack.FailureType.String()),
			zap.Error(err))
	} else {
		e.logger.Info("exchange: signal handled",
			zap.String("exchange", e.name),
			zap.String("instrument", instrument.String()),
			zap.String("orderId", signal.OrderID),
			zap.String("command", signal.Command.String()))
	}

	e.persist(ctx, e.translate(instrument, signal, report, err, received))

	commandCounters.WithLabelValues(e.name, signal.Command.String(), ack.FailureType.String()).Inc()
	commandDurations.WithLabelValues(e.name, signal.Command.String()).Observe(float64(time.Since(start) / time.Microsecond))
	return ack
}

// HandleExecution applies a streamed execution report to the open-order ledger
func (e *Exchange) HandleExecution(report ExecutionReport) {
	if e.ledger.handleReport(report) {
		e.logger.Info("exchange: order closed by execution report",
			zap.String("exchange", e.name),
			zap.String("instrument", report.Instrument.String()),
			zap.String("orderId", report.ClientOrderID),
			zap.String("status", report.Status.String()))
	}
}

func (e *Exchange) execute(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	lock, ok := e.locks[instrument]
	if !ok {
		return nil, NewError(KindUnknownInstrument, instrument.String())
	}
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, WrapError(KindTransport, ctx.Err(), "wait for instrument "+instrument.String())
	}
	defer func() { <-lock }()

	switch signal.Command {
	case CommandCreate:
		return e.create(ctx, instrument, signal)
	case CommandCancel:
		return e.cancel(ctx, instrument, signal)
	}
	return nil, NewError(KindUnsupported, "command "+signal.Command.String()+" is not supported")
}

func (e *Exchange) create(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	if signal.IsStale(e.now(), e.staleAfter) {
		return nil, NewError(KindStaleSignal, "signal created at "+signal.Timestamp.UTC().Format(time.RFC3339)+" is older than "+e.staleAfter.String())
	}

	report, err := e.withRetry(ctx, "create", func(ctx context.Context) (*ExecutionReport, error) {
		return e.venue.PlaceOrder(ctx, instrument, signal)
	})
	if err != nil {
		return report, err
	}

	if report == nil || !report.Status.IsTerminal() {
		e.ledger.add(instrument, signal)
	}
	return report, nil
}

func (e *Exchange) cancel(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	order, ok := e.ledger.getOrder(instrument, signal.OrderID)
	if !ok {
		return nil, NewError(KindUnknownOrder, "unexistent order "+signal.OrderID)
	}

	report, err := e.withRetry(ctx, "cancel", func(ctx context.Context) (*ExecutionReport, error) {
		return e.venue.CancelOrder(ctx, instrument, order)
	})
	if err != nil {
		return report, err
	}

	e.ledger.remove(instrument, signal.OrderID)
	return report, nil
}

// withRetry calls the venue at most twice with a fixed pause between attempts.
// Insufficient funds is never retried.
func (e *Exchange) withRetry(ctx context.Context, operation string, call func(ctx context.Context) (*ExecutionReport, error)) (*ExecutionReport, error) {
	attempt := 0
	report, err := backoff.Retry(ctx, func() (*ExecutionReport, error) {
		attempt++
		venueCalls.WithLabelValues(e.name, operation).Inc()

		report, err := call(ctx)
		if err == nil && report != nil && report.Status == ExecutionStatusRejected {
			err = ErrorByReject(report.Message)
		}
		if err == nil {
			return report, nil
		}

		e.logger.Warn("exchange: venue call failed",
			zap.String("exchange", e.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err))

		if IsKind(err, KindInsufficientFunds) {
			return report, backoff.Permanent(err)
		}
		return report, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.retryDelay)),
		backoff.WithMaxTries(retryMaxTries),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return report, err
}

func (e *Exchange) translate(instrument Instrument, signal TradingSignal, report *ExecutionReport, err error, received time.Time) TranslatedSignal {
	record := TranslatedSignal{
		ID:             uuid.NewString(),
		Instrument:     instrument,
		Signal:         signal,
		RequestPayload: payloadString(signal),
		FailureType:    FailureTypeOf(err),
		Received:       received,
		Completed:      e.now(),
	}
	if report != nil {
		record.ResponsePayload = payloadString(report)
		record.Status = report.Status
	}
	if err != nil {
		record.Status = ExecutionStatusRejected
		record.Reason = err.Error()
	}
	return record
}

func (e *Exchange) persist(ctx context.Context, record TranslatedSignal) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Insert(context.WithoutCancel(ctx), record); err != nil {
		e.logger.Error("exchange: fail persist translated signal",
			zap.String("exchange", e.name),
			zap.String("orderId", record.Signal.OrderID),
			zap.Error(err))
	}
}
