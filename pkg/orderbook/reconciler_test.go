package orderbook_test

import (
	"context"
	"sync"
	"testing"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/feed"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/orderbook"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"go.uber.org/zap"
	"gotest.tools/assert"
)

var (
	btcusd = trading.NewInstrument("bitfinex", "BTCUSD")
	ethusd = trading.NewInstrument("bitfinex", "ETHUSD")
)

func newTestReconciler(depth int) (*orderbook.Reconciler, *feed.Router) {
	logger, _ := zap.NewDevelopment()
	reconciler := orderbook.NewReconciler(logger, []trading.Instrument{btcusd, ethusd}, depth)
	return reconciler, feed.NewRouter(logger, "bitfinex", reconciler, nil)
}

func send(t *testing.T, router *feed.Router, frame string) {
	t.Helper()
	assert.NilError(t, router.Handle(context.Background(), []byte(frame)))
}

type level struct {
	id    string
	price string
	size  string
}

func assertSide(t *testing.T, items []orderbook.OrderBookItem, expected []level) {
	t.Helper()
	assert.Equal(t, len(items), len(expected))
	for i, exp := range expected {
		assert.Equal(t, items[i].ID, exp.id)
		assert.Equal(t, items[i].Price.String(), exp.price, "price of "+exp.id)
		assert.Equal(t, items[i].Size.String(), exp.size, "size of "+exp.id)
	}
}

func TestReconciler_SnapshotThenDeltas(t *testing.T) {
	reconciler, router := newTestReconciler(0)

	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","sequence":1,"bids":[{"id":"id1","price":"10","size":"100"}],"asks":[{"id":"id2","price":"11","size":"50"}]}`)
	send(t, router, `{"type":"delta","symbol":"BTCUSD","sequence":2,"items":[{"id":"id1","price":"10.5","size":"80"}]}`)
	send(t, router, `{"type":"delete","symbol":"BTCUSD","sequence":3,"ids":["id2"]}`)
	send(t, router, `{"type":"delta","symbol":"BTCUSD","sequence":4,"items":[{"id":"id3","side":"ask","price":"11.2","size":"30"}]}`)

	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assertSide(t, book.Bids, []level{{"id1", "10.5", "80"}})
	assertSide(t, book.Asks, []level{{"id3", "11.2", "30"}})
	assert.Equal(t, book.Bids[0].Side, orderbook.SideBid)
	assert.Equal(t, book.Asks[0].Side, orderbook.SideAsk)
	assert.Equal(t, book.Sequence, int64(4))
	assert.Equal(t, book.Instrument, btcusd)
}

func TestReconciler_Ordering(t *testing.T) {
	reconciler, router := newTestReconciler(0)

	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[{"id":"b1","price":"9","size":"1"},{"id":"b2","price":"10","size":"1"},{"id":"b3","price":"9.5","size":"1"}],"asks":[{"id":"a1","price":"12","size":"1"},{"id":"a2","price":"11","size":"1"},{"id":"a3","price":"11.5","size":"1"}]}`)
	send(t, router, `{"type":"delta","symbol":"BTCUSD","items":[{"id":"b4","side":"bid","price":"10","size":"2"},{"id":"a1","price":"10.8","size":"3"}]}`)

	book, _ := reconciler.GetOrderBook(btcusd)
	assertSide(t, book.Bids, []level{{"b2", "10", "1"}, {"b4", "10", "2"}, {"b3", "9.5", "1"}, {"b1", "9", "1"}})
	assertSide(t, book.Asks, []level{{"a1", "10.8", "3"}, {"a2", "11", "1"}, {"a3", "11.5", "1"}})

	best, ok := book.BestBid()
	assert.Check(t, ok)
	assert.Equal(t, best.ID, "b2")
	best, _ = book.BestAsk()
	assert.Equal(t, best.ID, "a1")
}

func TestReconciler_SnapshotReplacesState(t *testing.T) {
	reconciler, router := newTestReconciler(0)

	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","sequence":1,"bids":[{"id":"id1","price":"10","size":"100"}],"asks":[]}`)
	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","sequence":7,"bids":[],"asks":[{"id":"id9","price":"12","size":"5"}]}`)

	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assert.Equal(t, len(book.Bids), 0)
	assertSide(t, book.Asks, []level{{"id9", "12", "5"}})
	assert.Equal(t, book.Sequence, int64(7))

	// old ids are gone, a delta for id1 without side is malformed now
	send(t, router, `{"type":"delta","symbol":"BTCUSD","items":[{"id":"id1","price":"10","size":"1"}]}`)
	book, _ = reconciler.GetOrderBook(btcusd)
	assert.Equal(t, len(book.Bids), 0)
}

func TestReconciler_PreSnapshotDeltasDiscarded(t *testing.T) {
	reconciler, router := newTestReconciler(0)

	var published int
	reconciler.Subscribe(func(snapshot orderbook.Snapshot) { published++ })

	send(t, router, `{"type":"delta","symbol":"BTCUSD","items":[{"id":"id1","side":"bid","price":"10","size":"1"}]}`)
	send(t, router, `{"type":"delete","symbol":"BTCUSD","ids":["id1"]}`)

	_, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, !ok, "book stays invalid")
	assert.Equal(t, published, 0)

	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[],"asks":[]}`)
	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assert.Equal(t, len(book.Bids), 0, "early delta was not replayed")
	assert.Equal(t, published, 1)
}

func TestReconciler_DeleteIsIdempotent(t *testing.T) {
	reconciler, router := newTestReconciler(0)

	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[{"id":"id1","price":"10","size":"100"}],"asks":[]}`)
	send(t, router, `{"type":"delete","symbol":"BTCUSD","ids":["id1","id1","missing"]}`)
	send(t, router, `{"type":"delete","symbol":"BTCUSD","ids":["id1"]}`)

	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assert.Equal(t, len(book.Bids), 0)
}

func TestReconciler_MalformedFramesDropped(t *testing.T) {
	reconciler, router := newTestReconciler(0)
	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[{"id":"id1","price":"10","size":"100"}],"asks":[{"id":"id2","price":"11","size":"50"}]}`)

	malformed := []string{
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"ok","side":"bid","price":"9","size":"1"},{"side":"bid","price":"9","size":"1"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"x1","side":"bid","size":"1"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"x2","side":"bid","price":"9"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"x3","side":"middle","price":"9","size":"1"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"x4","price":"9","size":"1"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"id1","side":"ask","price":"9","size":"1"}]}`,
		`{"type":"delta","symbol":"BTCUSD","items":[{"id":"fresh","side":"bid","price":"9","size":"1"},{"id":"fresh","side":"ask","price":"12","size":"1"}]}`,
		`{"type":"delta","items":[{"id":"x5","side":"bid","price":"9","size":"1"}]}`,
		`{"type":"snapshot","symbol":"BTCUSD","bids":[{"id":"x6","price":"1"}],"asks":[]}`,
		`{"type":"delta","symbol":"XRPUSD","items":[{"id":"x7","side":"bid","price":"9","size":"1"}]}`,
	}
	for _, frame := range malformed {
		send(t, router, frame)
	}

	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assertSide(t, book.Bids, []level{{"id1", "10", "100"}})
	assertSide(t, book.Asks, []level{{"id2", "11", "50"}})

	// undecodable payloads are rejected by the router before reaching the book
	err := router.Handle(context.Background(), []byte(`{"type":"delta","symbol":"BTCUSD","items":{}}`))
	assert.Check(t, err != nil)
}

func TestReconciler_DepthAndHandlers(t *testing.T) {
	reconciler, router := newTestReconciler(2)

	var snapshots []orderbook.Snapshot
	reconciler.Subscribe(func(snapshot orderbook.Snapshot) {
		snapshots = append(snapshots, snapshot)
	})

	send(t, router, `{"type":"snapshot","symbol":"ETHUSD","bids":[{"id":"b1","price":"9","size":"1"},{"id":"b2","price":"10","size":"1"},{"id":"b3","price":"8","size":"1"}],"asks":[{"id":"a1","price":"12","size":"1"}]}`)
	send(t, router, `{"type":"delete","symbol":"ETHUSD","ids":["b2"]}`)

	assert.Equal(t, len(snapshots), 2)
	assertSide(t, snapshots[0].Bids, []level{{"b2", "10", "1"}, {"b1", "9", "1"}})
	assertSide(t, snapshots[1].Bids, []level{{"b1", "9", "1"}, {"b3", "8", "1"}})
	assert.Equal(t, snapshots[1].Instrument, ethusd)

	// published copies are not affected by later frames
	assertSide(t, snapshots[0].Asks, []level{{"a1", "12", "1"}})

	full, _ := reconciler.GetOrderBook(ethusd)
	assert.Equal(t, len(full.Bids), 2)

	_, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, !ok, "instruments are independent")
}

func TestReconciler_ConcurrentInstruments(t *testing.T) {
	reconciler, router := newTestReconciler(0)
	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[],"asks":[]}`)
	send(t, router, `{"type":"snapshot","symbol":"ETHUSD","bids":[],"asks":[]}`)

	var wg sync.WaitGroup
	for _, symbol := range []string{"BTCUSD", "ETHUSD"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				frame := `{"type":"delta","symbol":"` + symbol + `","items":[{"id":"` + symbol + string(rune('A'+i%26)) + `","side":"bid","price":"` + string(rune('1'+i%9)) + `","size":"1"}]}`
				_ = router.Handle(context.Background(), []byte(frame))
			}
		}(symbol)
	}
	wg.Wait()

	btc, _ := reconciler.GetOrderBook(btcusd)
	eth, _ := reconciler.GetOrderBook(ethusd)
	assert.Equal(t, len(btc.Bids), 26)
	assert.Equal(t, len(eth.Bids), 26)
}

func TestReconciler_RepeatedIDInDelta(t *testing.T) {
	reconciler, router := newTestReconciler(0)
	send(t, router, `{"type":"snapshot","symbol":"BTCUSD","bids":[],"asks":[]}`)

	// the later item keeps the side staged by the earlier one
	send(t, router, `{"type":"delta","symbol":"BTCUSD","items":[{"id":"x","side":"bid","price":"9","size":"1"},{"id":"x","price":"9.5","size":"2"}]}`)
	book, ok := reconciler.GetOrderBook(btcusd)
	assert.Check(t, ok)
	assertSide(t, book.Bids, []level{{"x", "9.5", "2"}})
	assertSide(t, book.Asks, nil)

	// a side flip inside one frame drops the whole frame
	send(t, router, `{"type":"delta","symbol":"BTCUSD","items":[{"id":"y","side":"bid","price":"8","size":"1"},{"id":"y","side":"ask","price":"12","size":"1"}]}`)
	book, _ = reconciler.GetOrderBook(btcusd)
	assertSide(t, book.Bids, []level{{"x", "9.5", "2"}})
	assertSide(t, book.Asks, nil)
}
