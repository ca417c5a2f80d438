package audit

import (
	"fmt"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/orderbook"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	TableSignals = "signal"
	TableBooks   = "book"
)

// Record is one insert-only row. Rows of a partition are ordered by Time.
type Record struct {
	Table     string
	Partition string
	Time      time.Time
	Body      []byte
}

// keys: <table>/<partition>/<20 digit unix nano>
func (r Record) Key() []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", r.Table, r.Partition, r.Time.UnixNano()))
}

func partitionPrefix(table, partition string) []byte {
	return []byte(table + "/" + partition + "/")
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func SignalRecord(signal trading.TranslatedSignal) (Record, error) {
	body, err := json.Marshal(signal)
	if err != nil {
		return Record{}, err
	}
	ts := signal.Completed
	if ts.IsZero() {
		ts = signal.Received
	}
	return Record{Table: TableSignals, Partition: signal.Instrument.String(), Time: ts, Body: body}, nil
}

func BookRecord(snapshot orderbook.Snapshot, now time.Time) (Record, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return Record{}, err
	}
	ts := snapshot.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Record{Table: TableBooks, Partition: snapshot.Instrument.String(), Time: ts, Body: body}, nil
}
