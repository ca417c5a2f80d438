package fix_test

import (
	"strings"
	"testing"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/fix"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"
)

func wire(s string) []byte {
	return []byte(strings.ReplaceAll(s, "|", "\x01"))
}

func TestMessage_Encode(t *testing.T) {
	msg := fix.NewMessage(fix.MsgTypeHeartbeat).
		Set(fix.TagSendingTime, "20240101-00:00:00.000").
		Set(fix.TagMsgSeqNum, "1").
		Set(fix.TagTargetCompID, "B").
		Set(fix.TagSenderCompID, "A")

	assert.Equal(t, string(msg.Encode(fix.DefaultBeginString)),
		string(wire("8=FIX.4.4|9=45|35=0|49=A|56=B|34=1|52=20240101-00:00:00.000|10=050|")))
	assert.Equal(t, msg.String(), "8=FIX.4.4|9=45|35=0|49=A|56=B|34=1|52=20240101-00:00:00.000|10=050|")
}

func TestMessage_SetReplaces(t *testing.T) {
	msg := fix.NewMessage(fix.MsgTypeNewOrderSingle).Set(fix.TagClOrdID, "a").Set(fix.TagClOrdID, "b")
	assert.Equal(t, msg.Value(fix.TagClOrdID), "b")
	assert.Equal(t, len(msg.Fields()), 2)

	_, ok := msg.Get(fix.TagPrice)
	assert.Check(t, !ok)
	_, err := msg.Int(fix.TagPrice)
	assert.Error(t, err, "missing tag 44")
}

func TestMessage_DecodeRoundTrip(t *testing.T) {
	msg := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagSenderCompID, "VENUE").
		Set(fix.TagTargetCompID, "CONN").
		Set(fix.TagMsgSeqNum, "7").
		Set(fix.TagClOrdID, "order-1").
		Set(fix.TagOrdStatus, "0").
		Set(fix.TagText, "a=b")

	decoded, err := fix.Decode(msg.Encode("FIX.4.2"))
	assert.NilError(t, err)
	assert.Equal(t, decoded.MsgType(), fix.MsgTypeExecutionReport)
	assert.Equal(t, decoded.Value(fix.TagClOrdID), "order-1")
	assert.Equal(t, decoded.Value(fix.TagText), "a=b")
	seq, err := decoded.Int(fix.TagMsgSeqNum)
	assert.NilError(t, err)
	assert.Equal(t, seq, 7)

	_, ok := decoded.Get(fix.TagCheckSum)
	assert.Check(t, !ok, "trailer is not a body field")
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		err  string
	}{
		{"empty", "", "message must end with SOH"},
		{"no trailing soh", "8=FIX.4.4|9=5|35=0|10=000", "message must end with SOH"},
		{"begin string", "9=5|8=FIX.4.4|35=0|10=000|", "BeginString must be first"},
		{"body length position", "8=FIX.4.4|35=0|9=5|10=000|", "BodyLength must be second"},
		{"body length value", "8=FIX.4.4|9=x|35=0|10=000|", "malformed BodyLength"},
		{"malformed field", "8=FIX.4.4|9=5|35|10=000|", "malformed field"},
		{"missing checksum", "8=FIX.4.4|9=5|35=0|", "missing CheckSum"},
		{"data after checksum", "8=FIX.4.4|9=5|35=0|10=000|35=1|", "data after CheckSum"},
		{"length mismatch", "8=FIX.4.4|9=6|35=0|10=000|", "BodyLength mismatch"},
		{"checksum mismatch", "8=FIX.4.4|9=5|35=0|10=000|", "CheckSum mismatch"},
		{"msg type position", "8=FIX.4.4|9=5|34=1|10=163|", "MsgType must follow BodyLength"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fix.Decode(wire(tc.raw))
			assert.Check(t, err != nil)
			if err != nil {
				assert.Check(t, cmp.Contains(err.Error(), tc.err))
			}
		})
	}
}
