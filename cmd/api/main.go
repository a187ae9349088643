package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/handler"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/scheduler"
	"github.com/Dan9191/card-ledger/internal/service"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/Dan9191/card-ledger/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	store, err := repository.Open(ctx, cfg.DBDriver, cfg.DBConn, repository.Options{
		Logger:      logger,
		MaxRetries:  cfg.StoreMaxRetries,
		LockTimeout: cfg.StoreLockTimeout,
	})
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.DBDriver, err)
	}
	defer store.Close()

	vault, err := utils.NewVault(cfg.EncryptionKey, cfg.PANPrefix)
	if err != nil {
		logger.Fatalf("Failed to initialize card vault: %v", err)
	}

	// Initialize layers
	var notifier service.Notifier
	if cfg.EmailEnabled() {
		notifier = email.NewSender(cfg, logger)
	}
	svc := service.NewService(store, vault, notifier, logger, cfg)
	if cfg.AdminUsername != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Fatalf("Failed to create admin user: %v", err)
		}
	}
	h := handler.NewHandler(svc, logger)
	r := handler.NewRouter(h, svc, logger)

	sweeper, err := scheduler.New(svc, cfg.ExpirySweepSchedule, logger)
	if err != nil {
		logger.Fatalf("Failed to create scheduler: %v", err)
	}
	sweeper.Start()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	sweeper.Stop(shutdownCtx)
}
