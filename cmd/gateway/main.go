package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/api"
	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/broker/paper"
	"order-gateway-go/internal/broker/rest"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/database"
	"order-gateway-go/internal/dispatch"
	"order-gateway-go/internal/gateway"
	"order-gateway-go/internal/keystore"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/logger"
	"order-gateway-go/internal/metrics"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log.Info("Configuration loaded", zap.String("dispatch_mode", cfg.Dispatch.Mode))

	if err := run(cfg, log); err != nil {
		log.Fatal("Gateway stopped with error", zap.Error(err))
	}
	log.Info("Gateway has been shut down.")
}

func run(cfg config.Config, log *zap.Logger) error {
	// Initialize database
	db, err := database.NewDatabase(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry, err := buildBrokers(cfg.Broker, log)
	if err != nil {
		return err
	}

	alerter, closeAlerts, err := buildAlerter(cfg.Alert, log)
	if err != nil {
		return err
	}
	defer closeAlerts()

	recorder := audit.NewRecorder(db, cfg.Audit, alerter, m, log)
	keys := keystore.NewStore(db, cfg.Security.APIKeyPepper, log)
	l := ledger.New(db, log)
	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, l, registry, recorder, alerter, m, log)
	reconciler := dispatch.NewReconciler(cfg.Reconcile, cfg.Dispatch.Timeout, l, registry, dispatcher, recorder, alerter, m, log)
	svc := gateway.NewService(keys, l, dispatcher, registry, m, log)

	server, err := api.NewServer(cfg.Server, cfg.RateLimit, api.Deps{
		Service:  svc,
		Auditor:  recorder,
		Metrics:  m,
		Gatherer: reg,
		Health:   pinger(db),
	}, log)
	if err != nil {
		return err
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		return server.Stop(shutdownCtx)
	})
	return g.Wait()
}

func buildBrokers(cfg config.Broker, log *zap.Logger) (*broker.Registry, error) {
	var adapters []broker.Adapter
	if cfg.Paper.Enabled {
		pb, err := paper.New(cfg.Paper, log)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, pb)
	}
	if cfg.Rest.Enabled {
		adapters = append(adapters, rest.NewClient(cfg.Rest, log))
	}
	registry, err := broker.NewRegistry(cfg.Default, adapters...)
	if err != nil {
		return nil, fmt.Errorf("broker registry: %w", err)
	}
	log.Info("Brokers registered", zap.Strings("brokers", registry.Names()), zap.String("default", registry.Default()))
	return registry, nil
}

func buildAlerter(cfg config.Alert, log *zap.Logger) (alert.Alerter, func(), error) {
	sinks := alert.Multi{alert.NewLogAlerter(log)}
	if !cfg.Kafka.Enabled {
		return sinks, func() {}, nil
	}
	kafka, err := alert.NewKafkaAlerter(cfg.Kafka, log)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, kafka)
	return sinks, func() {
		if err := kafka.Close(); err != nil {
			log.Warn("Failed to close Kafka alerter", zap.Error(err))
		}
	}, nil
}

func pinger(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
