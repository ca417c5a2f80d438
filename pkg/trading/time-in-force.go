package trading

import (
	"errors"
	"strconv"
)

type TimeInForce uint8

const (
	TimeInForceGoodTillCancel    TimeInForce = iota // rests on the book until filled or cancelled
	TimeInForceImmediateOrCancel                    // unfilled remainder is cancelled right away
	TimeInForceFillOrKill                           // filled completely or not at all
	TimeInForceDay                                  // expires at the end of the trading day
)

var timeInForceNames = map[TimeInForce]string{
	TimeInForceGoodTillCancel:    "GTC",
	TimeInForceImmediateOrCancel: "IOC",
	TimeInForceFillOrKill:        "FOK",
	TimeInForceDay:               "Day",
}

// FIX TimeInForce(59) values
var timeInForceFixCodes = map[TimeInForce]string{
	TimeInForceGoodTillCancel:    "1",
	TimeInForceImmediateOrCancel: "3",
	TimeInForceFillOrKill:        "4",
	TimeInForceDay:               "0",
}

func (tif TimeInForce) String() string {
	if name, ok := timeInForceNames[tif]; ok {
		return name
	}
	panic("invalid timeInForce string conversion" + strconv.Itoa(int(tif)))
}

func (tif TimeInForce) FixCode() string {
	return timeInForceFixCodes[tif]
}

func (tif TimeInForce) MarshalJSON() ([]byte, error) {
	name, ok := timeInForceNames[tif]
	if !ok {
		return nil, errors.New("invalid timeInForce json conversion: " + strconv.Itoa(int(tif)))
	}
	return []byte(`"` + name + `"`), nil
}

func (tif *TimeInForce) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("unsupported timeInForce: " + string(data))
	}
	val, err := TimeInForceStrToType(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*tif = val
	return nil
}

func TimeInForceStrToType(value string) (TimeInForce, error) {
	for tif, name := range timeInForceNames {
		if name == value {
			return tif, nil
		}
	}
	return 0, errors.New("unsupported timeInForce: " + value)
}
