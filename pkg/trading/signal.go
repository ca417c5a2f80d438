package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingSignal is one order command from the trading engine
type TradingSignal struct {
	OrderID     string           `json:"orderId"`
	Command     Command          `json:"command"`
	TradeType   TradeType        `json:"tradeType"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Volume      decimal.Decimal  `json:"volume"`
	OrderType   OrderType        `json:"orderType"`
	TimeInForce TimeInForce      `json:"timeInForce"`
	Timestamp   time.Time        `json:"timestamp"`
}

// IsStale reports whether the signal is older than maxAge at the given time
func (s *TradingSignal) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// ExecutionReport is a venue response or a streamed execution event
type ExecutionReport struct {
	Instrument      Instrument      `json:"instrument"`
	Time            time.Time       `json:"time"`
	Price           decimal.Decimal `json:"price"`
	Volume          decimal.Decimal `json:"volume"`
	TradeType       TradeType       `json:"tradeType"`
	ExternalOrderID string          `json:"externalOrderId"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Message         string          `json:"message,omitempty"`
}
