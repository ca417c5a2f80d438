package trading_test

import (
	"encoding/json"
	"testing"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/json-iterator/go"
	"gotest.tools/assert"
)

type testOrderDataType struct {
	Type trading.OrderType `json:"type"`
}

const (
	testOrderDataTypeMarket = `{"type":"market"}`
	testOrderDataTypeLimit  = `{"type":"limit"}`
)

func TestOrderType_MarshalJSON(t *testing.T) {
	val, err := json.Marshal(&testOrderDataType{trading.OrderTypeMarket})
	assert.NilError(t, err)
	assert.Equal(t, string(val), testOrderDataTypeMarket, "std json market")

	val, err = jsoniter.Marshal(&testOrderDataType{trading.OrderTypeMarket})
	assert.NilError(t, err)
	assert.Equal(t, string(val), testOrderDataTypeMarket, "jsoniter json market")

	val, err = json.Marshal(&testOrderDataType{trading.OrderTypeLimit})
	assert.NilError(t, err)
	assert.Equal(t, string(val), testOrderDataTypeLimit, "std json limit")

	val, err = jsoniter.Marshal(&testOrderDataType{trading.OrderTypeLimit})
	assert.NilError(t, err)
	assert.Equal(t, string(val), testOrderDataTypeLimit, "jsoniter json limit")

	_, err = json.Marshal(&testOrderDataType{trading.OrderType(8)})
	assert.ErrorContains(t, err, `invalid order type json conversion: 8`)
}

func TestOrderType_UnmarshalJSON(t *testing.T) {
	var obj testOrderDataType

	err := json.Unmarshal([]byte(testOrderDataTypeMarket), &obj)
	assert.NilError(t, err)
	assert.Equal(t, obj.Type, trading.OrderTypeMarket, "std json market")

	err = jsoniter.Unmarshal([]byte(testOrderDataTypeLimit), &obj)
	assert.NilError(t, err)
	assert.Equal(t, obj.Type, trading.OrderTypeLimit, "jsoniter json limit")

	err = json.Unmarshal([]byte(`{"type":"stopLimit"}`), &obj)
	assert.ErrorContains(t, err, `unsupported order type: "stopLimit"`)
}

func TestOrderType_FixCode(t *testing.T) {
	assert.Equal(t, trading.OrderTypeMarket.FixCode(), "1")
	assert.Equal(t, trading.OrderTypeLimit.FixCode(), "2")

	resolve, err := trading.OrderTypeStrToType("limit")
	assert.NilError(t, err)
	assert.Equal(t, resolve, trading.OrderTypeLimit)

	_, err = trading.OrderTypeStrToType("stop")
	assert.Error(t, err, `unsupported order type: stop`)
}
