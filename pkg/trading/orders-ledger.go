package trading

import (
	"sync"
)

type instrumentOrders struct {
	mx     sync.RWMutex
	orders map[string]TradingSignal
}

// ordersLedger keeps open orders per instrument. The instrument set is fixed at
// construction so the outer map is never written concurrently.
type ordersLedger struct {
	instruments map[Instrument]*instrumentOrders
}

func newOrdersLedger(instruments []Instrument) *ordersLedger {
	ledger := &ordersLedger{
		instruments: make(map[Instrument]*instrumentOrders, len(instruments)),
	}
	for _, instrument := range instruments {
		ledger.instruments[instrument] = &instrumentOrders{orders: make(map[string]TradingSignal)}
	}
	return ledger
}

func (l *ordersLedger) has(instrument Instrument) bool {
	_, ok := l.instruments[instrument]
	return ok
}

func (l *ordersLedger) add(instrument Instrument, signal TradingSignal) {
	bucket, ok := l.instruments[instrument]
	if !ok {
		return
	}
	bucket.mx.Lock()
	defer bucket.mx.Unlock()
	bucket.orders[signal.OrderID] = signal
}

func (l *ordersLedger) remove(instrument Instrument, orderID string) {
	bucket, ok := l.instruments[instrument]
	if !ok {
		return
	}
	bucket.mx.Lock()
	defer bucket.mx.Unlock()
	delete(bucket.orders, orderID)
}

// getOrder get one open order by its id
func (l *ordersLedger) getOrder(instrument Instrument, orderID string) (TradingSignal, bool) {
	bucket, ok := l.instruments[instrument]
	if !ok {
		return TradingSignal{}, false
	}
	bucket.mx.RLock()
	defer bucket.mx.RUnlock()
	order, ok := bucket.orders[orderID]
	return order, ok
}

func (l *ordersLedger) getOrders(instrument Instrument) ([]TradingSignal, bool) {
	bucket, ok := l.instruments[instrument]
	if !ok {
		return nil, false
	}
	bucket.mx.RLock()
	defer bucket.mx.RUnlock()
	result := make([]TradingSignal, 0, len(bucket.orders))
	for _, order := range bucket.orders {
		result = append(result, order)
	}
	return result, true
}

// handleReport drops orders reaching a terminal status. Reports for orders
// not in the ledger are ignored.
func (l *ordersLedger) handleReport(report ExecutionReport) bool {
	if !report.Status.IsTerminal() || report.ClientOrderID == "" {
		return false
	}
	bucket, ok := l.instruments[report.Instrument]
	if !ok {
		return false
	}
	bucket.mx.Lock()
	defer bucket.mx.Unlock()
	if _, ok := bucket.orders[report.ClientOrderID]; !ok {
		return false
	}
	delete(bucket.orders, report.ClientOrderID)
	return true
}
