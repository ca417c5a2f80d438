package trading

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type mockOperation uint8

const (
	mockPlace mockOperation = iota + 1
	mockCancel
)

type expectation struct {
	operation mockOperation
	orderID   string
	report    *ExecutionReport
	err       error
}

// MockVenue answers from a queue of expectations per instrument. With auto
// trade enabled it accepts everything that was not expected explicitly.
type MockVenue struct {
	logger        *zap.Logger
	autoTrade     bool
	delay         time.Duration
	calls         int64
	expectationMx sync.Mutex
	expectations  map[Instrument][]expectation
}

func NewMockVenue(logger *zap.Logger, autoTrade bool) *MockVenue {
	venue := &MockVenue{
		logger:       logger,
		autoTrade:    autoTrade,
		expectations: make(map[Instrument][]expectation),
	}
	logger.Info("mock-venue: created", zap.Bool("autoTrade", autoTrade))
	return venue
}

// SetDelay makes every call wait before answering
func (m *MockVenue) SetDelay(d time.Duration) {
	m.delay = d
}

func (m *MockVenue) ExpectPlace(instrument Instrument, orderID string, report *ExecutionReport, err error) {
	m.addExpectation(instrument, expectation{operation: mockPlace, orderID: orderID, report: report, err: err})
}

func (m *MockVenue) ExpectCancel(instrument Instrument, orderID string, report *ExecutionReport, err error) {
	m.addExpectation(instrument, expectation{operation: mockCancel, orderID: orderID, report: report, err: err})
}

// Calls counts PlaceOrder and CancelOrder invocations
func (m *MockVenue) Calls() int {
	return int(atomic.LoadInt64(&m.calls))
}

func (m *MockVenue) IsEmptyExpectations() bool {
	m.expectationMx.Lock()
	defer m.expectationMx.Unlock()
	return len(m.expectations) == 0
}

func (m *MockVenue) addExpectation(instrument Instrument, expect expectation) {
	m.expectationMx.Lock()
	defer m.expectationMx.Unlock()
	m.expectations[instrument] = append(m.expectations[instrument], expect)
}

func (m *MockVenue) popExpectation(instrument Instrument) (expectation, bool) {
	m.expectationMx.Lock()
	defer m.expectationMx.Unlock()
	list, ok := m.expectations[instrument]
	if !ok || len(list) == 0 {
		return expectation{}, false
	}
	if len(list) == 1 {
		delete(m.expectations, instrument)
	} else {
		m.expectations[instrument] = list[1:]
	}
	return list[0], true
}

func (m *MockVenue) PlaceOrder(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	return m.call(ctx, mockPlace, instrument, signal)
}

func (m *MockVenue) CancelOrder(ctx context.Context, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	return m.call(ctx, mockCancel, instrument, signal)
}

func (m *MockVenue) call(ctx context.Context, operation mockOperation, instrument Instrument, signal TradingSignal) (*ExecutionReport, error) {
	atomic.AddInt64(&m.calls, 1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, WrapError(KindTransport, ctx.Err(), "mock venue call")
		}
	}

	if exp, ok := m.popExpectation(instrument); ok {
		if exp.operation != operation || exp.orderID != signal.OrderID {
			m.logger.Warn("mock-venue: unexpected call",
				zap.String("instrument", instrument.String()),
				zap.String("orderId", signal.OrderID),
				zap.String("expectedOrderId", exp.orderID))
			return nil, errors.New("unexpected mock call for order " + signal.OrderID)
		}
		return exp.report, exp.err
	}

	if !m.autoTrade {
		return nil, errors.New("mock expectations is empty for " + instrument.String())
	}
	m.logger.Info("mock-venue: auto trade",
		zap.String("instrument", instrument.String()),
		zap.String("orderId", signal.OrderID))
	return m.autoReport(operation, instrument, signal), nil
}

func (m *MockVenue) autoReport(operation mockOperation, instrument Instrument, signal TradingSignal) *ExecutionReport {
	report := &ExecutionReport{
		Instrument:      instrument,
		Time:            time.Now(),
		Volume:          signal.Volume,
		TradeType:       signal.TradeType,
		ExternalOrderID: uuid.NewString(),
		ClientOrderID:   signal.OrderID,
		Status:          ExecutionStatusNew,
	}
	if signal.Price != nil {
		report.Price = *signal.Price
	}
	if operation == mockCancel {
		report.Status = ExecutionStatusCancelled
	}
	return report
}
