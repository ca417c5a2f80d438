package trading

import "context"

// Venue carries exchange specific order placement over REST, FIX or any other transport.
// Failures should be *Error values so the dispatcher can decide on retries.
type Venue interface {
	PlaceOrder(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error)
	CancelOrder(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error)
}

// AuditSink persists translated signals. Implementations may queue.
type AuditSink interface {
	Insert(ctx context.Context, record TranslatedSignal) error
}
