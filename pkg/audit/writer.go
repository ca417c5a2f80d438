package audit

import (
	"context"
	"sync"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/orderbook"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var writtenCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "audit_written_count",
	Help: "records persisted",
}, []string{"table"})

var requeueCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "audit_requeue_count",
	Help: "records requeued after a conflict or a store failure",
}, []string{"table", "reason"})

var droppedCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "audit_dropped_count",
	Help: "records given up after the last attempt",
}, []string{"table"})

func init() {
	prometheus.MustRegister(writtenCounters, requeueCounters, droppedCounters)
}

const (
	DefaultFlushInterval = time.Second
	DefaultBatchSize     = 100
	DefaultMaxAttempts   = 5
)

var ErrClosed = errors.New("audit: writer closed")

// Store is the insert-only sink behind the writer. Insert returns the
// positions of the records it rejected because their key was taken.
type Store interface {
	Insert(records ...Record) ([]int, error)
}

type WriterOptions struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxAttempts   int
}

type queued struct {
	rec      Record
	attempts int
}

// Writer batches records into the store off the caller's goroutine. A
// conflicting record moves one nanosecond forward and is requeued, a store
// failure requeues the whole batch; both give up after MaxAttempts.
type Writer struct {
	logger *zap.Logger
	store  Store
	opts   WriterOptions
	now    func() time.Time

	mx     sync.Mutex
	queue  []queued
	closed bool

	flushMx sync.Mutex
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

var _ trading.AuditSink = (*Writer)(nil)

func NewWriter(logger *zap.Logger, store Store, opts WriterOptions) *Writer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	w := &Writer{
		logger: logger,
		store:  store,
		opts:   opts,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Insert queues the audit record of a handled command
func (w *Writer) Insert(ctx context.Context, signal trading.TranslatedSignal) error {
	rec, err := SignalRecord(signal)
	if err != nil {
		return errors.WithMessage(err, "fail encode signal record")
	}
	return w.Enqueue(rec)
}

// HandleSnapshot queues a published order book, it fits orderbook.Reconciler.Subscribe
func (w *Writer) HandleSnapshot(snapshot orderbook.Snapshot) {
	rec, err := BookRecord(snapshot, w.now())
	if err != nil {
		w.logger.Error("audit: fail encode book record", zap.Error(err))
		return
	}
	if err = w.Enqueue(rec); err != nil {
		w.logger.Debug("audit: book record skipped", zap.Error(err))
	}
}

func (w *Writer) Enqueue(rec Record) error {
	w.mx.Lock()
	if w.closed {
		w.mx.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, queued{rec: rec})
	full := len(w.queue) >= w.opts.BatchSize
	w.mx.Unlock()

	if full {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending counts queued records
func (w *Writer) Pending() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return len(w.queue)
}

func (w *Writer) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.Flush()
	}
}

// Flush writes one batch, requeued records wait for the next flush
func (w *Writer) Flush() {
	w.flushMx.Lock()
	defer w.flushMx.Unlock()

	w.mx.Lock()
	n := len(w.queue)
	if n > w.opts.BatchSize {
		n = w.opts.BatchSize
	}
	batch := make([]queued, n)
	copy(batch, w.queue[:n])
	w.queue = w.queue[n:]
	w.mx.Unlock()
	if n == 0 {
		return
	}

	records := make([]Record, n)
	for i := range batch {
		records[i] = batch[i].rec
	}

	conflicts, err := w.store.Insert(records...)
	if err != nil {
		w.logger.Warn("audit: store failed, batch requeued", zap.Int("records", n), zap.Error(err))
		w.requeue(batch, "store", false)
		return
	}

	// records sharing a key differ only by position, never match them by key
	conflicting := make(map[int]struct{}, len(conflicts))
	for _, i := range conflicts {
		conflicting[i] = struct{}{}
	}
	var retry []queued
	for i, item := range batch {
		if _, ok := conflicting[i]; ok {
			retry = append(retry, item)
			continue
		}
		writtenCounters.WithLabelValues(item.rec.Table).Inc()
	}
	if len(retry) > 0 {
		w.requeue(retry, "conflict", true)
	}
}

func (w *Writer) requeue(items []queued, reason string, shift bool) {
	keep := make([]queued, 0, len(items))
	for _, item := range items {
		item.attempts++
		if item.attempts >= w.opts.MaxAttempts {
			droppedCounters.WithLabelValues(item.rec.Table).Inc()
			w.logger.Error("audit: record dropped",
				zap.String("table", item.rec.Table),
				zap.String("partition", item.rec.Partition),
				zap.String("reason", reason),
				zap.Int("attempts", item.attempts))
			continue
		}
		if shift {
			item.rec.Time = item.rec.Time.Add(time.Nanosecond)
		}
		requeueCounters.WithLabelValues(item.rec.Table, reason).Inc()
		keep = append(keep, item)
	}

	w.mx.Lock()
	w.queue = append(keep, w.queue...)
	w.mx.Unlock()
}

// Close stops the background loop and drains the queue, bounded by ctx
func (w *Writer) Close(ctx context.Context) error {
	w.mx.Lock()
	if w.closed {
		w.mx.Unlock()
		return nil
	}
	w.closed = true
	w.mx.Unlock()

	close(w.quit)
	<-w.done

	for w.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return errors.WithMessage(err, "audit records left unwritten")
		}
		w.Flush()
	}
	return nil
}
