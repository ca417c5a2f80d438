package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/audit"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/config"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/feed"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/fix"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/orderbook"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/rest"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/stream"
	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "path to .env file with secrets")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "connector:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connector:", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connector:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, logger); err != nil {
		logger.Error("connector: stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("connector: stopped")
}

// venue is the order placement side plus whatever it needs to run
type venue struct {
	trading.Venue
	fix *fix.Connector
}

func newVenue(logger *zap.Logger, cfg *config.Config) (*venue, error) {
	switch cfg.VenueKind() {
	case "mock":
		return &venue{Venue: trading.NewMockVenue(logger, true)}, nil
	case "fix":
		connector, err := fix.NewConnectorFromDsn(logger, cfg.Exchange, cfg.Venue.DSN)
		if err != nil {
			return nil, errors.WithMessage(err, "fail create fix connector")
		}
		return &venue{Venue: connector, fix: connector}, nil
	case "http", "https":
		if cfg.Venue.APIKey == "" || cfg.Venue.APISecret == "" {
			return nil, errors.New("rest venue requires api key and secret")
		}
		client := rest.NewClient(logger, cfg.Venue.DSN, rest.Credentials{
			APIKey: cfg.Venue.APIKey,
			Secret: cfg.Venue.APISecret,
		}, rest.WithTimeout(cfg.Venue.Timeout))
		return &venue{Venue: rest.NewVenue(client)}, nil
	}
	return nil, errors.New("venue not supported: " + cfg.Venue.DSN)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	instruments := cfg.Instruments()

	store, err := audit.OpenPebbleStore(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("connector: fail close audit store", zap.Error(err))
		}
	}()
	writer := audit.NewWriter(logger, store, audit.WriterOptions{
		FlushInterval: cfg.Audit.FlushInterval,
		BatchSize:     cfg.Audit.BatchSize,
		MaxAttempts:   cfg.Audit.MaxAttempts,
	})
	defer writer.Close(context.Background())

	v, err := newVenue(logger, cfg)
	if err != nil {
		return err
	}
	exchange := trading.NewExchange(logger, cfg.Exchange, v, instruments,
		trading.WithStaleAfter(cfg.Dispatch.StaleAfter),
		trading.WithRetryDelay(cfg.Dispatch.RetryDelay),
		trading.WithAuditSink(writer))

	reconciler := orderbook.NewReconciler(logger, instruments, cfg.Book.Depth)
	if cfg.Audit.Books {
		reconciler.Subscribe(writer.HandleSnapshot)
	}
	router := feed.NewRouter(logger, cfg.Exchange, reconciler, exchange)

	var subscribers []*stream.Subscriber
	for _, s := range cfg.Streams {
		subscribes := make([][]byte, 0, len(s.Subscribes))
		for _, msg := range s.Subscribes {
			subscribes = append(subscribes, []byte(msg))
		}
		transport, err := stream.NewTransport(logger, s.DSN, subscribes...)
		if err != nil {
			return errors.WithMessage(err, "stream "+s.Name)
		}
		sub := stream.NewSubscriber(logger, s.Name, transport, stream.Options{Heartbeat: s.Heartbeat})
		sub.Subscribe(router.Handle)
		subscribers = append(subscribers, sub)
	}

	var acks stream.Publisher
	var signals *feed.SignalRouter
	var signalSub *stream.Subscriber
	if cfg.Signals.DSN != "" {
		if cfg.Signals.AckDSN != "" {
			if acks, err = stream.NewPublisher(logger, cfg.Signals.AckDSN); err != nil {
				return errors.WithMessage(err, "acknowledgements")
			}
			defer acks.Close()
		}
		var ackPublisher feed.AckPublisher
		if acks != nil {
			ackPublisher = acks
		}
		signals = feed.NewSignalRouter(logger, cfg.Exchange, instruments, exchange, ackPublisher, cfg.Signals.QueueSize)
		transport, err := stream.NewTransport(logger, cfg.Signals.DSN)
		if err != nil {
			return errors.WithMessage(err, "signals")
		}
		signalSub = stream.NewSubscriber(logger, "signals", transport, stream.Options{})
		signalSub.Subscribe(signals.Handle)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("connector: metrics server", zap.Error(err))
		}
	}()

	fatal := make(chan error, len(subscribers)+2)
	forward := func(name string, ch <-chan error) {
		go func() {
			select {
			case err := <-ch:
				fatal <- errors.WithMessage(err, name)
			case <-ctx.Done():
			}
		}()
	}

	if v.fix != nil {
		v.fix.OnExecution(exchange.HandleExecution)
		forward("fix", v.fix.Fatal())
		v.fix.Start()
	}
	for _, sub := range subscribers {
		forward(sub.Name(), sub.Fatal())
		sub.Start()
	}
	if signalSub != nil {
		forward(signalSub.Name(), signalSub.Fatal())
		signalSub.Start()
	}
	logger.Info("connector: started",
		zap.String("exchange", cfg.Exchange),
		zap.Int("instruments", len(instruments)),
		zap.Int("streams", len(subscribers)),
		zap.String("venue", cfg.VenueKind()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("connector: shutdown requested")
	case runErr = <-fatal:
		logger.Error("connector: fatal stream failure", zap.Error(runErr))
	}

	// signals first so queued commands still reach a live venue
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if signalSub != nil {
		signalSub.Dispose()
		if err := signals.Close(shutdownCtx); err != nil {
			logger.Warn("connector: queued signals abandoned", zap.Error(err))
		}
	}
	for _, sub := range subscribers {
		sub.Dispose()
	}
	if v.fix != nil {
		v.fix.Dispose()
	}
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Warn("connector: audit writer not drained", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connector: metrics server shutdown", zap.Error(err))
	}
	return runErr
}
