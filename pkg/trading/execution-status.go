package trading

import (
	"bytes"
	"errors"
	"strconv"
)

type ExecutionStatus uint8

const (
	ExecutionStatusUnknown ExecutionStatus = iota
	ExecutionStatusNew
	ExecutionStatusPartialFill
	ExecutionStatusFill
	ExecutionStatusCancelled
	ExecutionStatusRejected
	ExecutionStatusPending

	executionStatusUnknownStr     = "unknown"
	executionStatusNewStr         = "new"
	executionStatusPartialFillStr = "partialFill"
	executionStatusFillStr        = "fill"
	executionStatusCancelledStr   = "cancelled"
	executionStatusRejectedStr    = "rejected"
	executionStatusPendingStr     = "pending"
)

var (
	executionStatusUnknownBytes     = []byte(`"unknown"`)
	executionStatusNewBytes         = []byte(`"new"`)
	executionStatusPartialFillBytes = []byte(`"partialFill"`)
	executionStatusFillBytes        = []byte(`"fill"`)
	executionStatusCancelledBytes   = []byte(`"cancelled"`)
	executionStatusRejectedBytes    = []byte(`"rejected"`)
	executionStatusPendingBytes     = []byte(`"pending"`)
)

// IsTerminal reports statuses after which the order leaves the open-order ledger
func (es ExecutionStatus) IsTerminal() bool {
	return es == ExecutionStatusFill || es == ExecutionStatusCancelled || es == ExecutionStatusRejected
}

func (es ExecutionStatus) String() string {
	switch es {
	case ExecutionStatusUnknown:
		return executionStatusUnknownStr
	case ExecutionStatusNew:
		return executionStatusNewStr
	case ExecutionStatusPartialFill:
		return executionStatusPartialFillStr
	case ExecutionStatusFill:
		return executionStatusFillStr
	case ExecutionStatusCancelled:
		return executionStatusCancelledStr
	case ExecutionStatusRejected:
		return executionStatusRejectedStr
	case ExecutionStatusPending:
		return executionStatusPendingStr
	}
	panic("invalid execution status string conversion" + strconv.Itoa(int(es)))
}

func (es ExecutionStatus) MarshalJSON() ([]byte, error) {
	switch es {
	case ExecutionStatusUnknown:
		return executionStatusUnknownBytes, nil
	case ExecutionStatusNew:
		return executionStatusNewBytes, nil
	case ExecutionStatusPartialFill:
		return executionStatusPartialFillBytes, nil
	case ExecutionStatusFill:
		return executionStatusFillBytes, nil
	case ExecutionStatusCancelled:
		return executionStatusCancelledBytes, nil
	case ExecutionStatusRejected:
		return executionStatusRejectedBytes, nil
	case ExecutionStatusPending:
		return executionStatusPendingBytes, nil
	}
	return nil, errors.New("invalid execution status json conversion: " + strconv.Itoa(int(es)))
}

func (es *ExecutionStatus) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, executionStatusNewBytes) {
		*es = ExecutionStatusNew
		return nil
	}
	if bytes.Equal(data, executionStatusPartialFillBytes) {
		*es = ExecutionStatusPartialFill
		return nil
	}
	if bytes.Equal(data, executionStatusFillBytes) {
		*es = ExecutionStatusFill
		return nil
	}
	if bytes.Equal(data, executionStatusCancelledBytes) {
		*es = ExecutionStatusCancelled
		return nil
	}
	if bytes.Equal(data, executionStatusRejectedBytes) {
		*es = ExecutionStatusRejected
		return nil
	}
	if bytes.Equal(data, executionStatusPendingBytes) {
		*es = ExecutionStatusPending
		return nil
	}
	if bytes.Equal(data, executionStatusUnknownBytes) {
		*es = ExecutionStatusUnknown
		return nil
	}

	return errors.New("unsupported execution status: " + string(data))
}

func ExecutionStatusStrToType(value string) (ExecutionStatus, error) {
	switch value {
	case executionStatusNewStr:
		return ExecutionStatusNew, nil
	case executionStatusPartialFillStr:
		return ExecutionStatusPartialFill, nil
	case executionStatusFillStr:
		return ExecutionStatusFill, nil
	case executionStatusCancelledStr:
		return ExecutionStatusCancelled, nil
	case executionStatusRejectedStr:
		return ExecutionStatusRejected, nil
	case executionStatusPendingStr:
		return ExecutionStatusPending, nil
	case executionStatusUnknownStr:
		return ExecutionStatusUnknown, nil
	}
	return 0, errors.New("unsupported execution status: " + value)
}

// ExecutionStatusFromFix maps FIX OrdStatus(39)
func ExecutionStatusFromFix(ordStatus string) ExecutionStatus {
	switch ordStatus {
	case "0":
		return ExecutionStatusNew
	case "1":
		return ExecutionStatusPartialFill
	case "2":
		return ExecutionStatusFill
	case "4":
		return ExecutionStatusCancelled
	case "8":
		return ExecutionStatusRejected
	case "A", "6", "E":
		return ExecutionStatusPending
	}
	return ExecutionStatusUnknown
}
