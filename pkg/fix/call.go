package fix

import (
	"sync/atomic"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"go.uber.org/zap"
)

var nextRequestID uint64

type requestKind string

const (
	requestNewOrder requestKind = "new"
	requestCancel   requestKind = "cancel"
)

// requestCall waits for the counterparty answer to one outbound request
type requestCall struct {
	id         uint64
	session    string
	kind       requestKind
	seq        int
	clOrdID    string
	instrument trading.Instrument
	start      time.Time
	Reply      *trading.ExecutionReport
	Error      error
	Done       chan *requestCall
}

func (call *requestCall) done() {
	requestDurations.WithLabelValues(call.session, string(call.kind)).Observe(float64(time.Since(call.start) / time.Microsecond))
	select {
	case call.Done <- call:
		// ok
	default:
		// a call is taken from the pending table once, so Done never has a second writer
		zap.L().Warn("fix-call: discarding reply due to insufficient Done chan capacity", zap.String("clOrdID", call.clOrdID))
	}
}

func createCall(session string, kind requestKind, clOrdID string, instrument trading.Instrument) *requestCall {
	return &requestCall{
		id:         atomic.AddUint64(&nextRequestID, 1),
		session:    session,
		kind:       kind,
		clOrdID:    clOrdID,
		instrument: instrument,
		start:      time.Now(),
		Done:       make(chan *requestCall, 1),
	}
}

// pendingCalls indexes outstanding requests by MsgSeqNum and ClOrdID
type pendingCalls struct {
	bySeq     map[int]*requestCall
	byClOrdID map[string]*requestCall
}

func newPendingCalls() pendingCalls {
	return pendingCalls{
		bySeq:     make(map[int]*requestCall),
		byClOrdID: make(map[string]*requestCall),
	}
}

func (p pendingCalls) reserve(call *requestCall) bool {
	if _, ok := p.byClOrdID[call.clOrdID]; ok {
		return false
	}
	p.byClOrdID[call.clOrdID] = call
	return true
}

// bind is a no-op for calls already taken, so a failed call never gets a seq entry
func (p pendingCalls) bind(call *requestCall, seq int) {
	if p.byClOrdID[call.clOrdID] != call {
		return
	}
	call.seq = seq
	p.bySeq[seq] = call
}

func (p pendingCalls) take(call *requestCall) bool {
	if p.byClOrdID[call.clOrdID] != call {
		return false
	}
	delete(p.byClOrdID, call.clOrdID)
	if call.seq != 0 {
		delete(p.bySeq, call.seq)
	}
	return true
}

func (p pendingCalls) takeBySeq(seq int) *requestCall {
	call, ok := p.bySeq[seq]
	if !ok {
		return nil
	}
	p.take(call)
	return call
}

func (p pendingCalls) takeByClOrdID(clOrdID string) *requestCall {
	call, ok := p.byClOrdID[clOrdID]
	if !ok {
		return nil
	}
	p.take(call)
	return call
}

func (p pendingCalls) takeAll() []*requestCall {
	calls := make([]*requestCall, 0, len(p.byClOrdID))
	for _, call := range p.byClOrdID {
		calls = append(calls, call)
	}
	for _, call := range calls {
		p.take(call)
	}
	return calls
}

func (p pendingCalls) len() int {
	return len(p.byClOrdID)
}
