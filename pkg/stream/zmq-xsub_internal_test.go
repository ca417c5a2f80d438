package stream

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"go.uber.org/zap"
	"gotest.tools/assert"
)

// expiringCtx reports cancellation once its Err budget is spent
type expiringCtx struct {
	context.Context
	checks int32
}

func (c *expiringCtx) Err() error {
	if atomic.AddInt32(&c.checks, -1) < 0 {
		return context.Canceled
	}
	return nil
}

func TestZmqTransport_SubscribeFailureCloses(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	transport := NewZmqTransport(logger, generateListenAddr(), "", []string{"orderbook", "trades"})

	// Connect checks once on entry, then before each topic: the second topic is never sent
	ctx := &expiringCtx{Context: context.Background(), checks: 2}
	err := transport.Connect(ctx)
	assert.ErrorContains(t, err, "fail subscribe trades")

	transport.mx.Lock()
	assert.Check(t, transport.soc == nil)
	assert.Check(t, transport.zmqCtx == nil)
	transport.mx.Unlock()

	err = transport.Send(context.Background(), []byte("late"))
	assert.Check(t, trading.IsKind(err, trading.KindInvalidState))

	// the transport is reusable after the failed attempt
	assert.NilError(t, transport.Connect(context.Background()))
	assert.NilError(t, transport.Close(context.Background()))
}
