// Command backbone runs the event backbone as a standalone process: it
// declares the broker topology, feeds the configured queues into the
// inbox, drives the admission saga and serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/backbone"
	"github.com/xraph/backbone/admissions"
	"github.com/xraph/backbone/observability"
	"github.com/xraph/backbone/store"
	"github.com/xraph/backbone/store/memory"
	bbpostgres "github.com/xraph/backbone/store/postgres"
	bbredis "github.com/xraph/backbone/store/redis"
	bbsqlite "github.com/xraph/backbone/store/sqlite"
	"github.com/xraph/backbone/topology"
)

func main() {
	configPath := flag.String("config", os.Getenv("BACKBONE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("backbone stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", backbone.ErrMigrationFailed, err)
	}
	logger.Info("store ready", "driver", cfg.Store.Driver)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	tracer := observability.NewTracer()
	bbCfg := cfg.backboneConfig()

	opts := []backbone.Option{
		backbone.WithConfig(bbCfg),
		backbone.WithStore(s),
		backbone.WithLogger(logger),
		backbone.WithMetrics(metrics),
		backbone.WithTracer(tracer),
	}

	if cfg.Admissions.BaseURL != "" {
		client, err := admissions.NewClient(admissions.Config{
			BaseURL: cfg.Admissions.BaseURL,
			Token:   cfg.Admissions.Token,
			Timeout: cfg.Admissions.Timeout,
		})
		if err != nil {
			return err
		}
		opts = append(opts, backbone.WithApplications(client))
	}

	// The broker is wired before New so the notifier can publish.
	var broker *amqpBroker
	if cfg.AMQP.URL != "" {
		topo, err := topology.Build(bbCfg.Topology)
		if err != nil {
			return err
		}
		broker, err = dialBroker(ctx, cfg.AMQP.URL, topo, topology.PublisherConfig{
			MaxRetries: bbCfg.MaxRetries,
			Metrics:    metrics,
			Tracer:     tracer,
		}, logger)
		if err != nil {
			return err
		}
		defer broker.close(logger)
		opts = append(opts, backbone.WithPublisher(broker.publisher))
	}

	b, err := backbone.New(opts...)
	if err != nil {
		return err
	}

	b.Start(ctx)
	defer b.Stop(context.Background())

	if broker != nil {
		if err := broker.consume(ctx, cfg.AMQP, b.Sink(), logger); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", b.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if broker != nil {
		broker.stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("backbone stopped")
	return nil
}

// openStore creates the configured backend.
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := bbredis.New(client)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		return s, nil
	case "sqlite":
		if cfg.DSN == "" {
			return nil, errors.New("sqlite: store.dsn is required")
		}
		s, err := bbsqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("postgres: store.dsn is required")
		}
		s, err := bbpostgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// amqpBroker owns the broker connection, the publishing channel and one
// channel per consumer.
type amqpBroker struct {
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	publisher *topology.Publisher
	consumers []*topology.Consumer
}

func dialBroker(ctx context.Context, url string, topo *topology.Topology, pubCfg topology.PublisherConfig, logger *slog.Logger) (*amqpBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := topology.Declare(ctx, ch, topo); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.InfoContext(ctx, "topology declared",
		"exchange", topo.Exchange,
		"queues", len(topo.Queues()),
	)

	return &amqpBroker{
		conn:      conn,
		pubCh:     ch,
		publisher: topology.NewPublisher(ch, topo, pubCfg, logger),
	}, nil
}

func (br *amqpBroker) consume(ctx context.Context, cfg AMQPConfig, sink topology.Sink, logger *slog.Logger) error {
	for _, channel := range cfg.Consume {
		ch, err := br.conn.Channel()
		if err != nil {
			return fmt.Errorf("amqp channel for %s: %w", channel, err)
		}
		c := topology.NewConsumer(ch, br.publisher, sink, topology.ConsumerConfig{
			Channel:     channel,
			Concurrency: cfg.Concurrency,
			Prefetch:    cfg.Prefetch,
			Tag:         "backbone-" + channel,
		}, logger)
		if err := c.Start(ctx); err != nil {
			return err
		}
		br.consumers = append(br.consumers, c)
	}
	return nil
}

func (br *amqpBroker) stop(ctx context.Context) {
	for _, c := range br.consumers {
		c.Stop(ctx)
	}
}

func (br *amqpBroker) close(logger *slog.Logger) {
	if err := br.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Warn("amqp channel close failed", "error", err)
	}
	if err := br.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Warn("amqp close failed", "error", err)
	}
}
