package fix

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const (
	soh = '\x01'

	DefaultBeginString = "FIX.4.4"
)

// Tags used by the session and order flow
const (
	TagAvgPx               = 6
	TagBeginString         = 8
	TagBodyLength          = 9
	TagCheckSum            = 10
	TagClOrdID             = 11
	TagCumQty              = 14
	TagExecID              = 17
	TagLastPx              = 31
	TagLastQty             = 32
	TagMsgSeqNum           = 34
	TagMsgType             = 35
	TagOrderID             = 37
	TagOrderQty            = 38
	TagOrdStatus           = 39
	TagOrdType             = 40
	TagOrigClOrdID         = 41
	TagPrice               = 44
	TagRefSeqNum           = 45
	TagSenderCompID        = 49
	TagSendingTime         = 52
	TagSide                = 54
	TagSymbol              = 55
	TagTargetCompID        = 56
	TagText                = 58
	TagTimeInForce         = 59
	TagTransactTime        = 60
	TagEncryptMethod       = 98
	TagCxlRejReason        = 102
	TagOrdRejReason        = 103
	TagHeartBtInt          = 108
	TagTestReqID           = 112
	TagResetSeqNumFlag     = 141
	TagExecType            = 150
	TagLeavesQty           = 151
	TagSessionRejectReason = 373
	TagBusinessRejectRefID = 379
	TagUsername            = 553
	TagPassword            = 554
)

const (
	MsgTypeHeartbeat          = "0"
	MsgTypeTestRequest        = "1"
	MsgTypeResendRequest      = "2"
	MsgTypeReject             = "3"
	MsgTypeSequenceReset      = "4"
	MsgTypeLogout             = "5"
	MsgTypeExecutionReport    = "8"
	MsgTypeOrderCancelReject  = "9"
	MsgTypeLogon              = "A"
	MsgTypeNewOrderSingle     = "D"
	MsgTypeOrderCancelRequest = "F"
	MsgTypeBusinessReject     = "j"
)

// SendingTime and TransactTime layout
const timestampLayout = "20060102-15:04:05.000"

type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of body fields, BeginString, BodyLength and
// CheckSum are produced by Encode.
type Message struct {
	fields []Field
}

func NewMessage(msgType string) *Message {
	return &Message{fields: []Field{{Tag: TagMsgType, Value: msgType}}}
}

// Set replaces the first occurrence of tag or appends it
func (m *Message) Set(tag int, value string) *Message {
	for i := range m.fields {
		if m.fields[i].Tag == tag {
			m.fields[i].Value = value
			return m
		}
	}
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
	return m
}

func (m *Message) Get(tag int) (string, bool) {
	for _, field := range m.fields {
		if field.Tag == tag {
			return field.Value, true
		}
	}
	return "", false
}

// Value returns the tag value or an empty string
func (m *Message) Value(tag int) string {
	val, _ := m.Get(tag)
	return val
}

func (m *Message) Int(tag int) (int, error) {
	val, ok := m.Get(tag)
	if !ok {
		return 0, errors.New("missing tag " + strconv.Itoa(tag))
	}
	return strconv.Atoi(val)
}

func (m *Message) MsgType() string {
	return m.Value(TagMsgType)
}

func (m *Message) Fields() []Field {
	return m.fields
}

// standard header fields written right after MsgType
var headerTags = map[int]bool{
	TagSenderCompID: true,
	TagTargetCompID: true,
	TagMsgSeqNum:    true,
	TagSendingTime:  true,
}

// Encode renders the wire form with header and trailer. MsgType and the
// standard header go first in the body whatever order they were set in.
func (m *Message) Encode(beginString string) []byte {
	var body bytes.Buffer
	writeField(&body, TagMsgType, m.MsgType())
	for _, tag := range []int{TagSenderCompID, TagTargetCompID, TagMsgSeqNum, TagSendingTime} {
		if val, ok := m.Get(tag); ok {
			writeField(&body, tag, val)
		}
	}
	for _, field := range m.fields {
		switch {
		case field.Tag == TagMsgType, headerTags[field.Tag]:
			continue
		case field.Tag == TagBeginString, field.Tag == TagBodyLength, field.Tag == TagCheckSum:
			continue
		}
		writeField(&body, field.Tag, field.Value)
	}

	var out bytes.Buffer
	writeField(&out, TagBeginString, beginString)
	writeField(&out, TagBodyLength, strconv.Itoa(body.Len()))
	out.Write(body.Bytes())
	writeField(&out, TagCheckSum, fmt.Sprintf("%03d", checksum(out.Bytes())))
	return out.Bytes()
}

func (m *Message) String() string {
	return string(bytes.ReplaceAll(m.Encode(DefaultBeginString), []byte{soh}, []byte{'|'}))
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(soh)
}

func checksum(data []byte) int {
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return sum % 256
}

// Decode parses one complete message and verifies BodyLength and CheckSum
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 || data[len(data)-1] != soh {
		return nil, errors.New("fix: message must end with SOH")
	}

	fields := make([]Field, 0, 16)
	bodyStart, checksumStart := -1, -1
	declaredLength := -1
	pos := 0
	for pos < len(data) {
		end := bytes.IndexByte(data[pos:], soh)
		if end < 0 {
			return nil, errors.New("fix: unterminated field")
		}
		raw := data[pos : pos+end]
		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return nil, errors.New("fix: malformed field " + strconv.Quote(string(raw)))
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil {
			return nil, errors.WithMessage(err, "fix: malformed tag")
		}
		value := string(raw[eq+1:])

		switch {
		case len(fields) == 0 && tag != TagBeginString:
			return nil, errors.New("fix: BeginString must be first")
		case len(fields) == 1 && tag != TagBodyLength:
			return nil, errors.New("fix: BodyLength must be second")
		case tag == TagBodyLength && len(fields) == 1:
			declaredLength, err = strconv.Atoi(value)
			if err != nil {
				return nil, errors.WithMessage(err, "fix: malformed BodyLength")
			}
			bodyStart = pos + end + 1
		case tag == TagCheckSum:
			checksumStart = pos
		}

		fields = append(fields, Field{Tag: tag, Value: value})
		pos += end + 1
		if tag == TagCheckSum {
			break
		}
	}

	if checksumStart < 0 {
		return nil, errors.New("fix: missing CheckSum")
	}
	if pos != len(data) {
		return nil, errors.New("fix: data after CheckSum")
	}
	if checksumStart-bodyStart != declaredLength {
		return nil, errors.New("fix: BodyLength mismatch: declared " + strconv.Itoa(declaredLength) + " actual " + strconv.Itoa(checksumStart-bodyStart))
	}
	declaredSum, err := strconv.Atoi(fields[len(fields)-1].Value)
	if err != nil {
		return nil, errors.WithMessage(err, "fix: malformed CheckSum")
	}
	if sum := checksum(data[:checksumStart]); sum != declaredSum {
		return nil, errors.New("fix: CheckSum mismatch: declared " + strconv.Itoa(declaredSum) + " actual " + strconv.Itoa(sum))
	}
	if len(fields) < 4 || fields[2].Tag != TagMsgType {
		return nil, errors.New("fix: MsgType must follow BodyLength")
	}

	return &Message{fields: fields[2 : len(fields)-1]}, nil
}
