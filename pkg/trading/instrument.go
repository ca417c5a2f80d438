package trading

import (
	"strings"

	"github.com/pkg/errors"
)

// Instrument identifies a tradable symbol on one exchange
type Instrument struct {
	Exchange string `json:"exchange" yaml:"exchange"`
	Symbol   string `json:"symbol" yaml:"symbol"`
}

func NewInstrument(exchange, symbol string) Instrument {
	return Instrument{Exchange: exchange, Symbol: symbol}
}

func (i Instrument) String() string {
	return i.Exchange + ":" + i.Symbol
}

func (i Instrument) IsZero() bool {
	return i.Exchange == "" && i.Symbol == ""
}

// InstrumentStrToType parses "exchange:symbol"
func InstrumentStrToType(value string) (Instrument, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Instrument{}, errors.New("unsupported instrument: " + value)
	}
	return Instrument{Exchange: parts[0], Symbol: parts[1]}, nil
}
