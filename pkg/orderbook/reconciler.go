package orderbook

import (
	"sync"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/feed"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var droppedCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "orderbook_dropped_frame_count",
	Help: "book frames dropped as malformed, unknown or pre-snapshot",
}, []string{"reason"})

var bookSizes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "orderbook_size",
	Help: "entries per book",
}, []string{"instrument"})

func init() {
	prometheus.MustRegister(droppedCounters, bookSizes)
}

// Handler receives a book copy after every applied frame
type Handler func(snapshot Snapshot)

type instrumentBook struct {
	mx   sync.Mutex
	book *Book
}

// Reconciler rebuilds books from a snapshot followed by deltas. The set of
// instruments is fixed at construction, frames for others are dropped.
type Reconciler struct {
	logger *zap.Logger
	depth  int
	books  map[trading.Instrument]*instrumentBook

	handlersMx sync.RWMutex
	handlers   []Handler
}

// NewReconciler creates the books. Published snapshots carry at most depth entries per side, 0 means full book.
func NewReconciler(logger *zap.Logger, instruments []trading.Instrument, depth int) *Reconciler {
	r := &Reconciler{
		logger: logger,
		depth:  depth,
		books:  make(map[trading.Instrument]*instrumentBook, len(instruments)),
	}
	for _, instrument := range instruments {
		r.books[instrument] = &instrumentBook{book: NewBook(instrument)}
	}
	return r
}

func (r *Reconciler) Subscribe(handler Handler) {
	r.handlersMx.Lock()
	defer r.handlersMx.Unlock()
	r.handlers = append(r.handlers, handler)
}

// GetOrderBook returns a full copy, false until a snapshot arrived
func (r *Reconciler) GetOrderBook(instrument trading.Instrument) (Snapshot, bool) {
	entry, ok := r.books[instrument]
	if !ok {
		return Snapshot{}, false
	}
	entry.mx.Lock()
	defer entry.mx.Unlock()
	if !entry.book.IsValid() {
		return Snapshot{}, false
	}
	return entry.book.Snapshot(0), true
}

func (r *Reconciler) HandleFrame(frame feed.Frame) {
	switch f := frame.(type) {
	case *feed.SnapshotFrame:
		r.apply(f.BookHeader, func(book *Book) error {
			return r.applySnapshot(book, f)
		}, false)
	case *feed.DeltaFrame:
		r.apply(f.BookHeader, func(book *Book) error {
			return r.applyDelta(book, f)
		}, true)
	case *feed.DeleteFrame:
		r.apply(f.BookHeader, func(book *Book) error {
			for _, id := range f.IDs {
				book.Delete(id)
			}
			return nil
		}, true)
	}
}

func (r *Reconciler) apply(header feed.BookHeader, update func(book *Book) error, needsSnapshot bool) {
	if header.Symbol == "" {
		r.drop("malformed", header, errors.New("missing symbol"))
		return
	}
	instrument := header.Instrument("")
	entry, ok := r.books[instrument]
	if !ok {
		r.drop("unknown", header, errors.New("unknown instrument "+instrument.String()))
		return
	}

	entry.mx.Lock()
	defer entry.mx.Unlock()

	if needsSnapshot && !entry.book.IsValid() {
		r.drop("presnapshot", header, errors.New("no snapshot yet"))
		return
	}
	if err := update(entry.book); err != nil {
		r.drop("malformed", header, err)
		return
	}
	if needsSnapshot {
		entry.book.Touch(header.Sequence, header.Timestamp)
	}
	bookSizes.WithLabelValues(instrument.String()).Set(float64(entry.book.Len()))

	r.publish(entry.book.Snapshot(r.depth))
}

func (r *Reconciler) drop(reason string, header feed.BookHeader, err error) {
	droppedCounters.WithLabelValues(reason).Inc()
	r.logger.Warn("orderbook: frame dropped",
		zap.String("reason", reason),
		zap.String("exchange", header.Exchange),
		zap.String("symbol", header.Symbol),
		zap.Error(err))
}

// publish runs under the instrument lock so handlers see frames in arrival order
func (r *Reconciler) publish(snapshot Snapshot) {
	r.handlersMx.RLock()
	handlers := r.handlers
	r.handlersMx.RUnlock()
	for _, handler := range handlers {
		handler(snapshot)
	}
}

func (r *Reconciler) applySnapshot(book *Book, f *feed.SnapshotFrame) error {
	items := make([]OrderBookItem, 0, len(f.Bids)+len(f.Asks))
	for _, level := range f.Bids {
		item, err := snapshotItem(f.Symbol, SideBid, level)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	for _, level := range f.Asks {
		item, err := snapshotItem(f.Symbol, SideAsk, level)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	book.Reset(items, f.Sequence, f.Timestamp)
	return nil
}

// applyDelta validates every item before touching the book so a bad frame changes nothing
func (r *Reconciler) applyDelta(book *Book, f *feed.DeltaFrame) error {
	items := make([]OrderBookItem, 0, len(f.Items))
	// sides of ids already seen in this frame, they win over the book
	staged := make(map[string]Side, len(f.Items))
	for _, level := range f.Items {
		if err := checkLevel(level); err != nil {
			return err
		}
		item := OrderBookItem{ID: level.ID, Symbol: f.Symbol, Price: *level.Price, Size: *level.Size}

		existing, exists := book.Get(level.ID)
		if side, ok := staged[level.ID]; ok {
			existing.Side, exists = side, true
		}
		switch {
		case level.Side == "" && exists:
			item.Side = existing.Side
		case level.Side == "":
			return errors.New("missing side for new id " + level.ID)
		default:
			side, err := SideStrToType(level.Side)
			if err != nil {
				return err
			}
			if exists && side != existing.Side {
				return errors.New("side change for id " + level.ID)
			}
			item.Side = side
		}
		staged[item.ID] = item.Side
		items = append(items, item)
	}
	for _, item := range items {
		book.Upsert(item)
	}
	return nil
}

func checkLevel(level feed.Level) error {
	if level.ID == "" {
		return errors.New("missing id")
	}
	if level.Price == nil {
		return errors.New("missing price for id " + level.ID)
	}
	if level.Size == nil {
		return errors.New("missing size for id " + level.ID)
	}
	return nil
}

func snapshotItem(symbol string, side Side, level feed.Level) (OrderBookItem, error) {
	if err := checkLevel(level); err != nil {
		return OrderBookItem{}, err
	}
	return OrderBookItem{ID: level.ID, Symbol: symbol, Side: side, Price: *level.Price, Size: *level.Size}, nil
}
