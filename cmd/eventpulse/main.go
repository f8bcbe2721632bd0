package main

import (
	"EventPulse/internal/anomaly"
	"EventPulse/internal/api"
	"EventPulse/internal/breaker"
	"EventPulse/internal/collector"
	"EventPulse/internal/config"
	"EventPulse/internal/ingest"
	"EventPulse/internal/logging"
	"EventPulse/internal/pipeline"
	"EventPulse/internal/rules"
	"EventPulse/internal/sink"
	"EventPulse/internal/window"
	"EventPulse/pkg/kafka"
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("EventPulse stopped with error", "error", err)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	logger.Infow("Starting EventPulse", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)

	store, err := sink.NewRedisSink(cfg.Redis)
	if err != nil {
		return err
	}

	aggregators, detector, err := buildAggregations(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	source, err := kafka.NewConsumer(cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		_ = store.Close()
		return err
	}

	producer, err := kafka.NewProducer(cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		_ = source.Close()
		_ = store.Close()
		return err
	}
	defer producer.Close(5000)

	ingestLogger := logger.Named("ingest")
	b := breaker.New("ingest", cfg.Breaker, breaker.WithTransitionFunc(ingest.ObserveTransitions(ingestLogger)))

	processor := pipeline.NewProcessor(rules.NewDispatcher(store, logger.Named("rules")), detector, aggregators...)
	consumer, err := ingest.NewConsumer(source, processor, cfg.Ingest,
		ingest.WithBreaker(b),
		ingest.WithLogger(ingestLogger),
	)
	if err != nil {
		_ = source.Close()
		_ = store.Close()
		return err
	}

	sweeper := window.NewSweeper(cfg.Aggregation.SweepInterval, logger.Named("sweeper"),
		append(aggregators, detector.Aggregator())...)

	var lag *collector.Collector
	var lagOpts []pipeline.Option
	if cfg.Lag.Enabled {
		client, err := kafka.NewClient(cfg.Kafka)
		if err != nil {
			logger.Warnw("Lag reporting disabled", "error", err)
		} else {
			defer client.Close()
			lag = collector.New(client, cfg.Kafka.GroupID, logger.Named("lag"))
			lagOpts = append(lagOpts, pipeline.WithLagCollector(lag, cfg.Lag.Interval))
		}
	}

	var lagReporter api.LagReporter
	if lag != nil {
		lagReporter = lag
	}
	handlers := api.NewHandlers(producer, store, lagReporter, logger.Named("api"))
	srv := startHTTPServer(cfg, handlers, api.HealthHandler(b, store), logger)

	opts := append([]pipeline.Option{pipeline.WithLogger(logger.Named("pipeline"))}, lagOpts...)
	for _, r := range shutdownResources(srv, cfg.HTTP.ShutdownTimeout, source.Close, store.Close) {
		opts = append(opts, pipeline.WithCloser(r.name, r.close))
	}

	p := pipeline.New(consumer, sweeper, cfg.Redis.DrainTimeout, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return p.Run(ctx)
}

type resource struct {
	name  string
	close func() error
}

// shutdownResources lists what the pipeline releases after its final flush, in order.
// The HTTP server stops before the store its read endpoints query is closed.
func shutdownResources(srv *http.Server, timeout time.Duration, consumerClose, storeClose func() error) []resource {
	return []resource{
		{name: "http server", close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return srv.Shutdown(ctx)
		}},
		{name: "kafka consumer", close: consumerClose},
		{name: "redis", close: storeClose},
	}
}

func buildAggregations(cfg *config.Config, s sink.Sink, logger *zap.SugaredLogger) ([]*window.Aggregator, *anomaly.Detector, error) {
	agg := cfg.Aggregation

	users, err := window.NewAggregator(window.Config{
		Name:    "user_activity",
		Size:    agg.UserActivity.Size,
		Advance: agg.UserActivity.Advance,
		Grace:   agg.Grace,
		Origin:  agg.OriginMs,
		Stripes: agg.Stripes,
		Ring:    agg.Ring,
	},
		window.WithKeyFunc(window.ByUser),
		window.WithEmitFunc(pipeline.UserActivityEmitter(s)),
		window.WithLogger(logger.Named("window")),
	)
	if err != nil {
		return nil, nil, err
	}

	types, err := window.NewAggregator(window.Config{
		Name:    "event_type",
		Size:    agg.EventType.Size,
		Advance: agg.EventType.Advance,
		Grace:   agg.Grace,
		Origin:  agg.OriginMs,
		Stripes: agg.Stripes,
		Ring:    agg.Ring,
	},
		window.WithKeyFunc(window.ByEventType),
		window.WithEmitFunc(pipeline.StreamMetricEmitter(s)),
		window.WithLogger(logger.Named("window")),
	)
	if err != nil {
		return nil, nil, err
	}

	detector, err := anomaly.New(cfg.Anomaly, agg.Grace, agg.OriginMs, agg.Stripes, s, logger.Named("anomaly"))
	if err != nil {
		return nil, nil, err
	}

	return []*window.Aggregator{users, types}, detector, nil
}

func startHTTPServer(cfg *config.Config, handlers *api.Handlers, health http.HandlerFunc, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()

	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	handlers.Register(mux, health)

	logger.Infow("Registered routes",
		"metrics", cfg.HTTP.MetricsPath,
		"api", []string{
			"POST /api/events",
			"GET /api/metrics/realtime",
			"GET /api/user/{userId}/activity",
			"GET /api/purchases/high-value",
			"GET /api/ingest/lag",
			"GET /api/health",
		})

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Infow("Starting HTTP server", "address", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("HTTP server error", "error", err)
		}
	}()

	return srv
}
