package orderbook

import (
	"bytes"
	"errors"
	"strconv"
)

type Side uint8

const (
	SideBid Side = iota + 1
	SideAsk

	sideBidStr = "bid"
	sideAskStr = "ask"
)

var (
	sideBidByte = []byte(`"bid"`)
	sideAskByte = []byte(`"ask"`)
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return sideBidStr
	case SideAsk:
		return sideAskStr
	}
	panic("invalid side string conversion" + strconv.Itoa(int(s)))
}

func (s Side) MarshalJSON() ([]byte, error) {
	switch s {
	case SideBid:
		return sideBidByte, nil
	case SideAsk:
		return sideAskByte, nil
	}
	return nil, errors.New("invalid side json conversion: " + strconv.Itoa(int(s)))
}

func (s *Side) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, sideBidByte) {
		*s = SideBid
		return nil
	}
	if bytes.Equal(data, sideAskByte) {
		*s = SideAsk
		return nil
	}
	return errors.New("unsupported side: " + string(data))
}

// SideStrToType accepts the common venue spellings
func SideStrToType(value string) (Side, error) {
	switch value {
	case sideBidStr, "bids", "buy", "Buy", "BID":
		return SideBid, nil
	case sideAskStr, "asks", "sell", "Sell", "ASK":
		return SideAsk, nil
	}
	return 0, errors.New("unsupported side: " + value)
}
