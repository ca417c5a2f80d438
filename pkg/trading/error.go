package trading

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind tags failures so callers decide on retries without inspecting error identity
type ErrorKind uint8

const (
	KindTransport ErrorKind = iota
	KindAuthentication
	KindInsufficientFunds
	KindExchange
	KindInvalidState
	KindStaleSignal
	KindUnknownOrder
	KindUnsupported
	KindUnknownInstrument
)

var kindMapping = map[ErrorKind]string{
	KindTransport:         "transport",
	KindAuthentication:    "authentication",
	KindInsufficientFunds: "insufficientFunds",
	KindExchange:          "exchange",
	KindInvalidState:      "invalidState",
	KindStaleSignal:       "staleSignal",
	KindUnknownOrder:      "unknownOrder",
	KindUnsupported:       "unsupported",
	KindUnknownInstrument: "unknownInstrument",
}

func (k ErrorKind) String() string {
	return kindMapping[k]
}

type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Cause() error {
	return e.Err
}

func NewError(kind ErrorKind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

func WrapError(kind ErrorKind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf finds the first tagged error in the chain, untagged errors are transport failures
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindTransport
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// reject reason codes reported by venues
const (
	rejectInsufficientFunds = "insufficientFunds"
	rejectNotEnoughBalance  = "notEnoughBalance"
	rejectUnknownOrder      = "orderNotFound"
	rejectUnauthorized      = "unauthorized"
	rejectInvalidNonce      = "invalidNonce"
)

var rejectMapping = map[string]ErrorKind{
	rejectInsufficientFunds: KindInsufficientFunds,
	rejectNotEnoughBalance:  KindInsufficientFunds,
	rejectUnknownOrder:      KindUnknownOrder,
	rejectUnauthorized:      KindAuthentication,
	rejectInvalidNonce:      KindExchange,
}

// ErrorByReject classifies a venue reject reason. Free text mentioning
// insufficient funds or balance is recognised too.
func ErrorByReject(reason string) error {
	if kind, ok := rejectMapping[reason]; ok {
		return NewError(kind, reason)
	}
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "insufficient") || strings.Contains(lower, "not enough balance") {
		return NewError(KindInsufficientFunds, reason)
	}
	return NewError(KindExchange, reason)
}
