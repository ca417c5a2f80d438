package feed

import (
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	TypeSnapshot  = "snapshot"
	TypeDelta     = "delta"
	TypeDelete    = "delete"
	TypeExecution = "execution"
	TypeHeartbeat = "heartbeat"
)

// Frame is one decoded stream message
type Frame interface {
	Type() string
}

// Level is one order book entry as sent by the venue. Pointers stay nil when
// the field is missing so the book can reject incomplete entries.
type Level struct {
	ID    string           `json:"id"`
	Side  string           `json:"side,omitempty"`
	Price *decimal.Decimal `json:"price"`
	Size  *decimal.Decimal `json:"size"`
}

type BookHeader struct {
	Exchange  string    `json:"exchange,omitempty"`
	Symbol    string    `json:"symbol"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *BookHeader) Instrument(defaultExchange string) trading.Instrument {
	exchange := h.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}
	return trading.NewInstrument(exchange, h.Symbol)
}

type SnapshotFrame struct {
	BookHeader
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

func (f *SnapshotFrame) Type() string { return TypeSnapshot }

// DeltaFrame inserts new ids and replaces existing ones
type DeltaFrame struct {
	BookHeader
	Items []Level `json:"items"`
}

func (f *DeltaFrame) Type() string { return TypeDelta }

type DeleteFrame struct {
	BookHeader
	IDs []string `json:"ids"`
}

func (f *DeleteFrame) Type() string { return TypeDelete }

type ExecutionFrame struct {
	Report trading.ExecutionReport `json:"report"`
}

func (f *ExecutionFrame) Type() string { return TypeExecution }

type HeartbeatFrame struct{}

func (f *HeartbeatFrame) Type() string { return TypeHeartbeat }

// Unrecognized keeps frames with an unknown discriminant, they are ignored
type Unrecognized struct {
	Kind string
	Raw  []byte
}

func (f *Unrecognized) Type() string { return f.Kind }

type envelope struct {
	Type string `json:"type"`
}

// Decode reads the "type" discriminant and decodes the matching variant
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WithMessage(err, "fail parse frame envelope")
	}

	var frame Frame
	switch env.Type {
	case TypeSnapshot:
		frame = &SnapshotFrame{}
	case TypeDelta:
		frame = &DeltaFrame{}
	case TypeDelete:
		frame = &DeleteFrame{}
	case TypeExecution:
		frame = &ExecutionFrame{}
	case TypeHeartbeat:
		return &HeartbeatFrame{}, nil
	default:
		return &Unrecognized{Kind: env.Type, Raw: data}, nil
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, errors.WithMessage(err, "fail parse "+env.Type+" frame")
	}
	return frame, nil
}
