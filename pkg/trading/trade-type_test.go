package trading_test

import (
	"encoding/json"
	"testing"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/json-iterator/go"
	"gotest.tools/assert"
)

type testTradeType struct {
	TradeType trading.TradeType `json:"tradeType"`
	Command   trading.Command   `json:"command"`
}

func TestTradeType_JSON(t *testing.T) {
	cases := []struct {
		json string
		val  testTradeType
	}{
		{`{"tradeType":"buy","command":"create"}`, testTradeType{trading.TradeTypeBuy, trading.CommandCreate}},
		{`{"tradeType":"sell","command":"cancel"}`, testTradeType{trading.TradeTypeSell, trading.CommandCancel}},
		{`{"tradeType":"unknown","command":"edit"}`, testTradeType{trading.TradeTypeUnknown, trading.CommandEdit}},
	}
	for _, c := range cases {
		jsonStr, val := c.json, c.val
		result, err := json.Marshal(&val)
		assert.NilError(t, err)
		assert.Equal(t, string(result), jsonStr, "std marshal")

		var obj testTradeType
		err = jsoniter.Unmarshal([]byte(jsonStr), &obj)
		assert.NilError(t, err)
		assert.DeepEqual(t, obj, val)
	}

	var obj testTradeType
	err := json.Unmarshal([]byte(`{"tradeType":"short"}`), &obj)
	assert.ErrorContains(t, err, `unsupported trade type: "short"`)

	err = json.Unmarshal([]byte(`{"command":"replace"}`), &obj)
	assert.ErrorContains(t, err, `unsupported command: "replace"`)

	_, err = json.Marshal(&testTradeType{TradeType: trading.TradeType(7)})
	assert.ErrorContains(t, err, `invalid trade type json conversion: 7`)
}

func TestTradeType_StrToType(t *testing.T) {
	val, err := trading.TradeTypeStrToType("sell")
	assert.NilError(t, err)
	assert.Equal(t, val, trading.TradeTypeSell)

	_, err = trading.TradeTypeStrToType("short")
	assert.Error(t, err, `unsupported trade type: short`)
}

func TestInstrumentStrToType(t *testing.T) {
	instrument, err := trading.InstrumentStrToType("bitfinex:BTCUSD")
	assert.NilError(t, err)
	assert.Equal(t, instrument, trading.NewInstrument("bitfinex", "BTCUSD"))
	assert.Equal(t, instrument.String(), "bitfinex:BTCUSD")

	for _, bad := range []string{"", "BTCUSD", ":BTCUSD", "bitfinex:"} {
		_, err = trading.InstrumentStrToType(bad)
		assert.ErrorContains(t, err, "unsupported instrument", bad)
	}
}
