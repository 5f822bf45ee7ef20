package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/api"
	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/security"
	"github.com/custodia/depositd/internal/service"
	"github.com/custodia/depositd/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting deposit service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("mode", cfg.Provider.Mode),
		zap.String("network", cfg.Provider.NetworkFamily),
		zap.String("token", cfg.Token.Symbol),
		zap.String("db_driver", cfg.Database.Driver))

	var closers []func() error

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	// Chain provider
	client, err := evm.NewClient(evm.Config{
		RPCEndpoint:   cfg.Provider.RPCEndpoint,
		TokenDecimals: cfg.Token.Decimals,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create chain client", zap.Error(err))
	}
	closers = append(closers, func() error {
		client.Close()
		return nil
	})

	// Key custody
	cipher, err := security.NewKeyCipher(cfg.Security.KeyEncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize key cipher", zap.Error(err))
	}
	masterSigner, err := evm.NewKeySigner(cfg.MasterWallet.PrivateKey)
	if err != nil {
		logger.Fatal("Failed to load master wallet key", zap.Error(err))
	}
	if !strings.EqualFold(masterSigner.Address().Hex(), cfg.MasterWallet.Address) {
		logger.Fatal("Master wallet key does not match configured address",
			zap.String("configured", cfg.MasterWallet.Address),
			zap.String("derived", masterSigner.Address().Hex()))
	}

	// Services
	policy := service.NewAmountPolicy(cfg, logger)
	ledger := service.NewLedgerUpdater(store, time.Now, logger)
	orchestrator := service.NewOrchestrator(
		store,
		client,
		security.NewSignerResolver(cipher),
		ledger,
		policy,
		service.MasterWallet{Address: cfg.MasterWallet.Address, Signer: masterSigner},
		cfg.Provider.Timeout,
		time.Now,
		logger,
	)
	addresses := service.NewAddressLedger(store, client, cipher, !cfg.IsProduction(), logger)
	pipeline := service.NewPipeline(store, addresses, policy, orchestrator, logger)

	logger.Info("Services initialized")

	// Polling and reconciliation discovery need an explorer
	var explorer worker.TransferSource
	if cfg.Poller.ExplorerURL != "" {
		explorer = evm.NewExplorer(evm.ExplorerConfig{
			BaseURL:   cfg.Poller.ExplorerURL,
			APIKey:    cfg.Poller.ExplorerAPIKey,
			RateLimit: cfg.Poller.ExplorerRateLim,
		}, logger)
	}

	workerManager := worker.NewWorkerManager(cfg, store, pipeline, ledger, explorer, time.Now, worker.NewTicker, logger)
	for _, fn := range closers {
		workerManager.OnShutdown(fn)
	}

	// Initialize API handlers
	apiHandler := api.NewHandler(cfg, store, pipeline, addresses, workerManager.Retry(), workerManager.Reconciler(), time.Now, logger)
	router := api.SetupRouter(apiHandler, cfg, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", serverAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	// Start workers
	workerManager.Start()
	logger.Info("Workers started")

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	// Stop accepting requests first so no new deposits arrive mid-shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		_ = httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(30 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped successfully")
}

// openStore picks the persistence backend. The returned closer may be nil.
func openStore(cfg *config.Config, logger *zap.Logger) (service.Store, func() error, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory store, state is lost on restart")
		return database.NewMemoryStore(), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Database connected successfully",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns))

	if err := database.RunMigrations(ctx, db, cfg.Server.MigrationPath); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("Database migrations applied successfully")

	return db, db.Close, nil
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
