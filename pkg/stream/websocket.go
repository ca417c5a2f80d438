package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsReadLimit        = 1 << 20
)

// WebsocketTransport speaks text frames over gorilla/websocket. Subscribe
// messages are sent after every successful connect.
type WebsocketTransport struct {
	url        string
	header     http.Header
	subscribes [][]byte
	logger     *zap.Logger
	dialer     websocket.Dialer

	mx      sync.Mutex
	writeMx sync.Mutex
	conn    *websocket.Conn
}

func NewWebsocketTransport(logger *zap.Logger, url string, header http.Header, subscribes ...[]byte) *WebsocketTransport {
	return &WebsocketTransport{
		url:        url,
		header:     header,
		subscribes: subscribes,
		logger:     logger,
		dialer:     websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
	}
}

func (t *WebsocketTransport) current() (*websocket.Conn, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil, trading.NewError(trading.KindInvalidState, "websocket not connected")
	}
	return t.conn, nil
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return trading.WrapError(trading.KindAuthentication, err, "websocket handshake "+resp.Status)
		}
		return errors.WithMessage(err, "fail dial "+t.url)
	}
	conn.SetReadLimit(wsReadLimit)

	t.mx.Lock()
	t.conn = conn
	t.mx.Unlock()

	for _, payload := range t.subscribes {
		if err := t.Send(ctx, payload); err != nil {
			// the subscriber only closes connections it saw succeed
			_ = t.Close(ctx)
			return errors.WithMessage(err, "fail send subscription")
		}
	}
	t.logger.Info("websocket: connected", zap.String("url", t.url), zap.Int("subscriptions", len(t.subscribes)))
	return nil
}

func (t *WebsocketTransport) Send(ctx context.Context, payload []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMx.Lock()
	defer t.writeMx.Unlock()
	if err = conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebsocketTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, message, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WithMessage(err, "websocket read")
	}
	return message, nil
}

func (t *WebsocketTransport) Close(ctx context.Context) error {
	t.mx.Lock()
	conn := t.conn
	t.conn = nil
	t.mx.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMx.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	t.writeMx.Unlock()
	return conn.Close()
}
