package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/simple-bootstrap/bootstrap"
	"github.com/tendant/simple-bootstrap/internal/config"
	"github.com/tendant/simple-bootstrap/pkg/repository"
	"github.com/tendant/simple-bootstrap/pkg/repository/memory"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	bcfg := bootstrap.Config{
		TokenSecret:         cfg.TokenSecret,
		OperatorJWTSecret:   cfg.OperatorJWTSecret,
		OperatorJWTIssuer:   cfg.OperatorJWTIssuer,
		InitialTokenTTL:     cfg.InitialTokenTTL,
		MaxInitialTokenTTL:  cfg.MaxInitialTokenTTL,
		PairingCodeTTL:      cfg.PairingCodeTTL,
		BootstrapSessionTTL: cfg.BootstrapSessionTTL,
		ExchangedSessionTTL: cfg.ExchangedSessionTTL,
		TokenRetention:      cfg.TokenRetention,
		SweepInterval:       cfg.SweepInterval,
		StoreTimeout:        cfg.DBTimeout,
		RequirePairing:      cfg.RequirePairing,
		SessionAllowlist:    cfg.SessionAllowlist,
		TrustForwardedFor:   cfg.TrustForwardedFor,
		FingerprintEnabled:  cfg.FingerprintEnabled,
		CookieSecure:        cfg.CookieSecure,
		EnableMetrics:       cfg.MetricsEnabled,
		RateLimit:           cfg.RateLimit,
		SecurityHeaders:     cfg.SecurityHeaders,
		Validation:          cfg.Validation,
		Logger:              logger,
	}

	if cfg.HasSMTP() {
		bcfg.Alerts = &bootstrap.AlertConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			To:       cfg.AlertEmailTo,
		}
		logger.Info("security alert email enabled", "recipients", len(cfg.AlertEmailTo))
	}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		stores := bootstrap.MemoryStores(memory.New())
		bcfg.Stores = &stores
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		db, err := repository.NewDB(cfg.Database())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		bcfg.DB = db
		logger.Info("connected to database")
	}

	b, err := bootstrap.New(bcfg)
	if err != nil {
		logger.Error("failed to initialize bootstrap service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expiry sweeper
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		b.Sweeper().Run(ctx)
	}()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      b.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr, "store", cfg.StoreDriver, "require_pairing", cfg.RequirePairing)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-sweepDone
	b.Close()

	logger.Info("server stopped")
}
