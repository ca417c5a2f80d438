package stream

import "context"

// Transport carries one exchange session. Implementations must return
// promptly once ctx is cancelled.
type Transport interface {
	// Connect opens a session, Receive and Send are valid after it succeeds
	Connect(ctx context.Context) error

	Send(ctx context.Context, payload []byte) error

	// Receive blocks until the next frame
	Receive(ctx context.Context) ([]byte, error)

	Close(ctx context.Context) error
}

// Handler consumes received frames. Errors and panics are logged and never stop the loop.
type Handler func(ctx context.Context, frame []byte) error
