package stream

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gotest.tools/assert"
)

func newEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/private" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Log("upgrade", err)
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "silence" {
				continue
			}
			if err = conn.WriteMessage(kind, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestWebsocketTransport_Flow(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	logger, _ := zap.NewDevelopment()

	transport := NewWebsocketTransport(logger, wsURL(server, "/ws"), nil, []byte("subscribe"))
	ctx := context.Background()

	err := transport.Send(ctx, []byte("early"))
	assert.Check(t, trading.IsKind(err, trading.KindInvalidState))

	assert.NilError(t, transport.Connect(ctx))
	msg, err := transport.Receive(ctx)
	assert.NilError(t, err)
	assert.Equal(t, string(msg), "echo:subscribe")

	assert.NilError(t, transport.Send(ctx, []byte("ping")))
	msg, err = transport.Receive(ctx)
	assert.NilError(t, err)
	assert.Equal(t, string(msg), "echo:ping")

	assert.NilError(t, transport.Close(ctx))
	assert.NilError(t, transport.Close(ctx), "second close is no-op")
}

func TestWebsocketTransport_ReceiveCancel(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	logger, _ := zap.NewDevelopment()

	transport := NewWebsocketTransport(logger, wsURL(server, "/ws"), nil, []byte("silence"))
	assert.NilError(t, transport.Connect(context.Background()))
	defer transport.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := transport.Receive(ctx)
	assert.Equal(t, err, context.Canceled)
	assert.Check(t, time.Since(start) < 300*time.Millisecond)
}

func TestWebsocketTransport_Unauthorized(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	logger, _ := zap.NewDevelopment()

	transport := NewWebsocketTransport(logger, wsURL(server, "/private"), nil)
	err := transport.Connect(context.Background())
	assert.Check(t, trading.IsKind(err, trading.KindAuthentication), "got %v", err)
}

// brokenConn lets the handshake through and fails every later write
type brokenConn struct {
	net.Conn
	writes int32
	closed int32
}

func (c *brokenConn) Write(b []byte) (int, error) {
	if atomic.AddInt32(&c.writes, 1) > 1 {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

func (c *brokenConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.Conn.Close()
}

func TestWebsocketTransport_SubscribeFailureCloses(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	logger, _ := zap.NewDevelopment()

	transport := NewWebsocketTransport(logger, wsURL(server, "/ws"), nil, []byte("subscribe"))
	var conn *brokenConn
	transport.dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		conn = &brokenConn{Conn: raw}
		return conn, nil
	}

	err := transport.Connect(context.Background())
	assert.ErrorContains(t, err, "fail send subscription")
	assert.Check(t, conn != nil)
	assert.Equal(t, atomic.LoadInt32(&conn.closed), int32(1), "connection closed")

	transport.mx.Lock()
	assert.Check(t, transport.conn == nil)
	transport.mx.Unlock()
	err = transport.Send(context.Background(), []byte("late"))
	assert.Check(t, trading.IsKind(err, trading.KindInvalidState))
}

func TestWebsocketTransport_Subscriber(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	logger, _ := zap.NewDevelopment()

	transport := NewWebsocketTransport(logger, wsURL(server, "/ws"), nil, []byte("subscribe"))
	s := NewSubscriber(logger, "ws", transport, Options{Heartbeat: time.Second, Policy: testPolicy()})
	defer s.Dispose()

	frames := make(chan string, 10)
	s.Subscribe(func(ctx context.Context, frame []byte) error {
		frames <- string(frame)
		return nil
	})
	s.Start()

	select {
	case frame := <-frames:
		assert.Equal(t, frame, "echo:subscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	start := time.Now()
	s.Stop()
	assert.Check(t, time.Since(start) < 300*time.Millisecond)
}
