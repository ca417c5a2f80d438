package trading

import (
	"bytes"
	"errors"
	"strconv"
)

type FailureType uint8

const (
	FailureNone FailureType = iota
	FailureInsufficientFunds
	FailureExchangeError
	FailureConnectorError
)

var failureTypeNames = [...]string{
	FailureNone:              "None",
	FailureInsufficientFunds: "InsufficientFunds",
	FailureExchangeError:     "ExchangeError",
	FailureConnectorError:    "ConnectorError",
}

func (ft FailureType) String() string {
	if int(ft) < len(failureTypeNames) {
		return failureTypeNames[ft]
	}
	panic("invalid failure type string conversion" + strconv.Itoa(int(ft)))
}

func (ft FailureType) MarshalJSON() ([]byte, error) {
	if int(ft) >= len(failureTypeNames) {
		return nil, errors.New("invalid failure type json conversion: " + strconv.Itoa(int(ft)))
	}
	return []byte(`"` + failureTypeNames[ft] + `"`), nil
}

func (ft *FailureType) UnmarshalJSON(data []byte) error {
	for i, name := range failureTypeNames {
		if bytes.Equal(data, []byte(`"`+name+`"`)) {
			*ft = FailureType(i)
			return nil
		}
	}
	return errors.New("unsupported failure type: " + string(data))
}

// FailureTypeOf classifies an error for the signal originator
func FailureTypeOf(err error) FailureType {
	if err == nil {
		return FailureNone
	}
	switch KindOf(err) {
	case KindInsufficientFunds:
		return FailureInsufficientFunds
	case KindExchange:
		return FailureExchangeError
	}
	return FailureConnectorError
}

// Acknowledgement answers every handled signal
type Acknowledgement struct {
	OrderID     string           `json:"orderId"`
	Instrument  Instrument       `json:"instrument"`
	Command     Command          `json:"command"`
	FailureType FailureType      `json:"failureType"`
	Reason      string           `json:"reason,omitempty"`
	Report      *ExecutionReport `json:"report,omitempty"`
}

func (a *Acknowledgement) Success() bool {
	return a.FailureType == FailureNone
}
