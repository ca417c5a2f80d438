package trading

import (
	"testing"

	"gotest.tools/assert"
)

func TestOrdersLedgerFlow(t *testing.T) {
	btc := NewInstrument("bitfinex", "BTCUSD")
	eth := NewInstrument("bitfinex", "ETHUSD")
	unknown := NewInstrument("kraken", "XBTEUR")

	orderA := TradingSignal{OrderID: "a", Command: CommandCreate, TradeType: TradeTypeBuy}
	orderB := TradingSignal{OrderID: "b", Command: CommandCreate, TradeType: TradeTypeSell}

	t.Run("add, get, remove", func(t *testing.T) {
		ledger := newOrdersLedger([]Instrument{btc, eth})
		assert.Check(t, ledger.has(btc))
		assert.Check(t, !ledger.has(unknown))

		orders, ok := ledger.getOrders(btc)
		assert.Check(t, ok)
		assert.Equal(t, len(orders), 0)

		ledger.add(btc, orderA)
		ledger.add(btc, orderB)
		ledger.add(unknown, orderA)

		orders, _ = ledger.getOrders(btc)
		assert.Equal(t, len(orders), 2)
		orders, _ = ledger.getOrders(eth)
		assert.Equal(t, len(orders), 0, "instruments are independent")
		_, ok = ledger.getOrders(unknown)
		assert.Check(t, !ok)

		order, ok := ledger.getOrder(btc, "a")
		assert.Check(t, ok)
		assert.Equal(t, order.TradeType, TradeTypeBuy)

		ledger.remove(btc, "a")
		_, ok = ledger.getOrder(btc, "a")
		assert.Check(t, !ok)

		//secondary remove
		ledger.remove(btc, "a")
		orders, _ = ledger.getOrders(btc)
		assert.Equal(t, len(orders), 1)
	})

	t.Run("handle report", func(t *testing.T) {
		ledger := newOrdersLedger([]Instrument{btc})
		ledger.add(btc, orderA)
		ledger.add(btc, orderB)

		closed := ledger.handleReport(ExecutionReport{Instrument: btc, ClientOrderID: "a", Status: ExecutionStatusPartialFill})
		assert.Check(t, !closed, "partial fill keeps order")
		_, ok := ledger.getOrder(btc, "a")
		assert.Check(t, ok)

		closed = ledger.handleReport(ExecutionReport{Instrument: btc, ClientOrderID: "a", Status: ExecutionStatusFill})
		assert.Check(t, closed)
		_, ok = ledger.getOrder(btc, "a")
		assert.Check(t, !ok)

		closed = ledger.handleReport(ExecutionReport{Instrument: btc, ClientOrderID: "a", Status: ExecutionStatusCancelled})
		assert.Check(t, !closed, "already removed")

		closed = ledger.handleReport(ExecutionReport{Instrument: unknown, ClientOrderID: "b", Status: ExecutionStatusRejected})
		assert.Check(t, !closed, "other instrument")

		closed = ledger.handleReport(ExecutionReport{Instrument: btc, ClientOrderID: "b", Status: ExecutionStatusRejected})
		assert.Check(t, closed)
	})
}
