package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/database"
	"order-gateway-go/internal/keystore"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// Connect to the database
	db, err := database.NewDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	cli := &admin{
		log:    log,
		keys:   keystore.NewStore(db, cfg.Security.APIKeyPepper, log),
		ledger: ledger.New(db, log),
		audit:  audit.NewRecorder(db, cfg.Audit, alert.NewLogAlerter(log), nil, log),
		out:    os.Stdout,
	}
	if err := cli.run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
