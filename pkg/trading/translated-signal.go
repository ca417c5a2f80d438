package trading

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// TranslatedSignal is the audit record of one handled command
type TranslatedSignal struct {
	ID              string          `json:"id"`
	Instrument      Instrument      `json:"instrument"`
	Signal          TradingSignal   `json:"signal"`
	RequestPayload  string          `json:"request,omitempty"`
	ResponsePayload string          `json:"response,omitempty"`
	Status          ExecutionStatus `json:"status"`
	FailureType     FailureType     `json:"failureType"`
	Reason          string          `json:"reason,omitempty"`
	Received        time.Time       `json:"received"`
	Completed       time.Time       `json:"completed"`
}

func payloadString(v interface{}) string {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return "unserializable: " + err.Error()
	}
	return string(data)
}
