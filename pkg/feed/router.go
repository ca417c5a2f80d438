package feed

import (
	"context"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var frameCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_frame_count",
	Help: "decoded stream frames by type",
}, []string{"exchange", "type"})

func init() {
	prometheus.MustRegister(frameCounters)
}

// BookConsumer applies book frames, implemented by the order book reconciler
type BookConsumer interface {
	HandleFrame(frame Frame)
}

// ExecutionConsumer receives streamed execution reports
type ExecutionConsumer interface {
	HandleExecution(report trading.ExecutionReport)
}

// Router decodes raw frames and routes them by variant. Its Handle method fits stream.Handler.
type Router struct {
	exchange   string
	logger     *zap.Logger
	books      BookConsumer
	executions ExecutionConsumer
}

func NewRouter(logger *zap.Logger, exchange string, books BookConsumer, executions ExecutionConsumer) *Router {
	return &Router{
		exchange:   exchange,
		logger:     logger,
		books:      books,
		executions: executions,
	}
}

func (r *Router) Handle(ctx context.Context, data []byte) error {
	frame, err := Decode(data)
	if err != nil {
		frameCounters.WithLabelValues(r.exchange, "malformed").Inc()
		return err
	}

	switch f := frame.(type) {
	case *SnapshotFrame, *DeltaFrame, *DeleteFrame:
		frameCounters.WithLabelValues(r.exchange, frame.Type()).Inc()
		r.fillExchange(frame)
		if r.books != nil {
			r.books.HandleFrame(frame)
		}
	case *ExecutionFrame:
		frameCounters.WithLabelValues(r.exchange, TypeExecution).Inc()
		if f.Report.Instrument.Exchange == "" {
			f.Report.Instrument.Exchange = r.exchange
		}
		if r.executions != nil {
			r.executions.HandleExecution(f.Report)
		}
	case *HeartbeatFrame:
		frameCounters.WithLabelValues(r.exchange, TypeHeartbeat).Inc()
	case *Unrecognized:
		frameCounters.WithLabelValues(r.exchange, "unrecognized").Inc()
		r.logger.Debug("feed: unrecognized frame", zap.String("exchange", r.exchange), zap.String("type", f.Kind))
	}
	return nil
}

func (r *Router) fillExchange(frame Frame) {
	var header *BookHeader
	switch f := frame.(type) {
	case *SnapshotFrame:
		header = &f.BookHeader
	case *DeltaFrame:
		header = &f.BookHeader
	case *DeleteFrame:
		header = &f.BookHeader
	}
	if header != nil && header.Exchange == "" {
		header.Exchange = r.exchange
	}
}
