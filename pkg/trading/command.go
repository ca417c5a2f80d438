package trading

import (
	"bytes"
	"errors"
	"strconv"
)

type Command uint8

const (
	CommandCreate Command = iota
	CommandCancel
	CommandEdit

	commandCreateStr = "create"
	commandCancelStr = "cancel"
	commandEditStr   = "edit"
)

var (
	commandCreateByte = []byte(`"create"`)
	commandCancelByte = []byte(`"cancel"`)
	commandEditByte   = []byte(`"edit"`)
)

func (c Command) String() string {
	switch c {
	case CommandCreate:
		return commandCreateStr
	case CommandCancel:
		return commandCancelStr
	case CommandEdit:
		return commandEditStr
	}
	panic("invalid command string conversion" + strconv.Itoa(int(c)))
}

func (c Command) MarshalJSON() ([]byte, error) {
	switch c {
	case CommandCreate:
		return commandCreateByte, nil
	case CommandCancel:
		return commandCancelByte, nil
	case CommandEdit:
		return commandEditByte, nil
	}
	return nil, errors.New("invalid command json conversion: " + strconv.Itoa(int(c)))
}

func (c *Command) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, commandCreateByte):
		*c = CommandCreate
	case bytes.Equal(data, commandCancelByte):
		*c = CommandCancel
	case bytes.Equal(data, commandEditByte):
		*c = CommandEdit
	default:
		return errors.New("unsupported command: " + string(data))
	}
	return nil
}
