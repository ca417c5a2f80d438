package trading

import (
	"bytes"
	"errors"
	"strconv"
)

type TradeType uint8

const (
	TradeTypeUnknown TradeType = iota
	TradeTypeBuy
	TradeTypeSell

	tradeTypeUnknownStr = "unknown"
	tradeTypeBuyStr     = "buy"
	tradeTypeSellStr    = "sell"
)

var (
	tradeTypeUnknownByte = []byte(`"unknown"`)
	tradeTypeBuyByte     = []byte(`"buy"`)
	tradeTypeSellByte    = []byte(`"sell"`)
)

func (tt TradeType) String() string {
	switch tt {
	case TradeTypeUnknown:
		return tradeTypeUnknownStr
	case TradeTypeBuy:
		return tradeTypeBuyStr
	case TradeTypeSell:
		return tradeTypeSellStr
	}
	panic("invalid trade type string conversion" + strconv.Itoa(int(tt)))
}

func (tt TradeType) MarshalJSON() ([]byte, error) {
	switch tt {
	case TradeTypeUnknown:
		return tradeTypeUnknownByte, nil
	case TradeTypeBuy:
		return tradeTypeBuyByte, nil
	case TradeTypeSell:
		return tradeTypeSellByte, nil
	}
	return nil, errors.New("invalid trade type json conversion: " + strconv.Itoa(int(tt)))
}

func (tt *TradeType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, tradeTypeBuyByte) {
		*tt = TradeTypeBuy
		return nil
	}

	if bytes.Equal(data, tradeTypeSellByte) {
		*tt = TradeTypeSell
		return nil
	}

	if bytes.Equal(data, tradeTypeUnknownByte) {
		*tt = TradeTypeUnknown
		return nil
	}

	return errors.New("unsupported trade type: " + string(data))
}

func TradeTypeStrToType(value string) (TradeType, error) {
	switch value {
	case tradeTypeBuyStr:
		return TradeTypeBuy, nil
	case tradeTypeSellStr:
		return TradeTypeSell, nil
	case tradeTypeUnknownStr:
		return TradeTypeUnknown, nil
	}
	return 0, errors.New("unsupported trade type: " + value)
}
