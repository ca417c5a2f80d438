package rest

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/shopspring/decimal"
)

type orderRequest struct {
	ClientOrderID string              `json:"clientOrderId"`
	Symbol        string              `json:"symbol"`
	Side          trading.TradeType   `json:"side"`
	Type          trading.OrderType   `json:"type"`
	TimeInForce   trading.TimeInForce `json:"timeInForce"`
	Price         *decimal.Decimal    `json:"price,omitempty"`
	Volume        decimal.Decimal     `json:"volume"`
}

type orderResponse struct {
	OrderID       string            `json:"orderId"`
	ClientOrderID string            `json:"clientOrderId"`
	Status        string            `json:"status"`
	Side          trading.TradeType `json:"side"`
	Price         decimal.Decimal   `json:"price"`
	Volume        decimal.Decimal   `json:"volume"`
	Message       string            `json:"message"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Venue places orders through a signed JSON API:
// POST /orders and DELETE /orders/{clientOrderId}?symbol=...
type Venue struct {
	client *Client
}

var _ trading.Venue = (*Venue)(nil)

func NewVenue(client *Client) *Venue {
	return &Venue{client: client}
}

func (v *Venue) PlaceOrder(ctx context.Context, instrument trading.Instrument, signal trading.TradingSignal) (*trading.ExecutionReport, error) {
	req := orderRequest{
		ClientOrderID: signal.OrderID,
		Symbol:        instrument.Symbol,
		Side:          signal.TradeType,
		Type:          signal.OrderType,
		TimeInForce:   signal.TimeInForce,
		Price:         signal.Price,
		Volume:        signal.Volume,
	}
	var resp orderResponse
	if err := v.client.Do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, err
	}
	return resp.report(instrument, signal)
}

func (v *Venue) CancelOrder(ctx context.Context, instrument trading.Instrument, signal trading.TradingSignal) (*trading.ExecutionReport, error) {
	path := "/orders/" + url.PathEscape(signal.OrderID) + "?symbol=" + url.QueryEscape(instrument.Symbol)
	var resp orderResponse
	if err := v.client.Do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.report(instrument, signal)
}

func (r *orderResponse) report(instrument trading.Instrument, signal trading.TradingSignal) (*trading.ExecutionReport, error) {
	status, err := trading.ExecutionStatusStrToType(r.Status)
	if err != nil {
		return nil, trading.WrapError(trading.KindExchange, err, "unexpected order status")
	}
	report := &trading.ExecutionReport{
		Instrument:      instrument,
		Time:            r.Timestamp,
		Price:           r.Price,
		Volume:          r.Volume,
		TradeType:       r.Side,
		ExternalOrderID: r.OrderID,
		ClientOrderID:   r.ClientOrderID,
		Status:          status,
		Message:         r.Message,
	}
	if report.ClientOrderID == "" {
		report.ClientOrderID = signal.OrderID
	}
	if report.TradeType == trading.TradeTypeUnknown {
		report.TradeType = signal.TradeType
	}
	if report.Time.IsZero() {
		report.Time = time.Now()
	}
	return report, nil
}
