package trading

import (
	"bytes"
	"errors"
	"strconv"
)

type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit

	orderTypeMarketStr = "market"
	orderTypeLimitStr  = "limit"
)

var (
	orderTypeMarketByte = []byte(`"market"`)
	orderTypeLimitByte  = []byte(`"limit"`)
)

func (ot OrderType) String() string {
	switch ot {
	case OrderTypeMarket:
		return orderTypeMarketStr
	case OrderTypeLimit:
		return orderTypeLimitStr
	}
	panic("invalid order type string conversion" + strconv.Itoa(int(ot)))
}

// FixCode OrdType(40) value
func (ot OrderType) FixCode() string {
	if ot == OrderTypeLimit {
		return "2"
	}
	return "1"
}

func (ot OrderType) MarshalJSON() ([]byte, error) {
	switch ot {
	case OrderTypeMarket:
		return orderTypeMarketByte, nil
	case OrderTypeLimit:
		return orderTypeLimitByte, nil
	}
	return nil, errors.New("invalid order type json conversion: " + strconv.Itoa(int(ot)))
}

func (ot *OrderType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, orderTypeMarketByte) {
		*ot = OrderTypeMarket
		return nil
	}

	if bytes.Equal(data, orderTypeLimitByte) {
		*ot = OrderTypeLimit
		return nil
	}

	return errors.New("unsupported order type: " + string(data))
}

func OrderTypeStrToType(value string) (OrderType, error) {
	switch value {
	case orderTypeMarketStr:
		return OrderTypeMarket, nil
	case orderTypeLimitStr:
		return OrderTypeLimit, nil
	}
	return 0, errors.New("unsupported order type: " + value)
}
