package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-bundler/internal/bundler"
	"github.com/insoblok/inso-bundler/internal/config"
	"github.com/insoblok/inso-bundler/internal/executor"
	"github.com/insoblok/inso-bundler/internal/mempool"
	"github.com/insoblok/inso-bundler/internal/metrics"
	"github.com/insoblok/inso-bundler/internal/reputation"
	"github.com/insoblok/inso-bundler/internal/rpc"
	"github.com/insoblok/inso-bundler/internal/store"
	"github.com/insoblok/inso-bundler/internal/validation"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logging until the config is known.
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stdout, true)))
	logger := log.New("module", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	setupLogging(&cfg.Logging)
	logger = log.New("module", "main")
	logger.Info("InSo Bundler starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("Bundler exited with error", "err", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.LoggingConfig) {
	lvl := log.LevelInfo
	switch cfg.Level {
	case "trace":
		lvl = log.LevelTrace
	case "debug":
		lvl = log.LevelDebug
	case "warn":
		lvl = log.LevelWarn
	case "error":
		lvl = log.LevelError
	}
	var h slog.Handler
	if cfg.Format == "json" {
		h = log.JSONHandler(os.Stdout)
	} else {
		h = log.NewTerminalHandler(os.Stdout, true)
	}
	glog := log.NewGlogHandler(h)
	glog.Verbosity(lvl)
	log.SetDefault(log.NewLogger(glog))
}

func run(cfg *config.Config, logger log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(store.Config{
		Engine:  cfg.Store.Engine,
		DataDir: cfg.Store.DataDir,
		Cache:   cfg.Store.Cache,
		Handles: cfg.Store.Handles,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pool, err := mempool.New(db, mempool.Config{
		MaxSize:   cfg.Mempool.MaxSize,
		EntryTTL:  cfg.Mempool.EntryTTL,
		Retention: cfg.Mempool.Retention,
	})
	if err != nil {
		return fmt.Errorf("open mempool: %w", err)
	}
	defer pool.Close()

	ledger, err := reputation.New(db, reputation.Config{
		ThrottleThreshold: cfg.Reputation.ThrottleThreshold,
		BanThreshold:      cfg.Reputation.BanThreshold,
		ThrottleFailRate:  cfg.Reputation.ThrottleFailRate,
		ThrottleDuration:  cfg.Reputation.ThrottleDuration,
		BanDuration:       cfg.Reputation.BanDuration,
	})
	if err != nil {
		return fmt.Errorf("open reputation ledger: %w", err)
	}

	chainID := new(big.Int).SetUint64(cfg.Bundler.ChainID)
	ex := executor.NewSimulated(common.HexToAddress(cfg.Bundler.Beneficiary))
	var receipts bundler.ReceiptSource = ex

	if cfg.Node.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Node.RPCURL)
		if err != nil {
			return fmt.Errorf("dial node: %w", err)
		}
		defer client.Close()

		nodeChainID, err := client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("query node chain id: %w", err)
		}
		if nodeChainID.Cmp(chainID) != 0 {
			logger.Warn("Node chain id differs from config, using node", "config", chainID, "node", nodeChainID)
			chainID = nodeChainID
		}
		receipts = client
		logger.Info("Connected to execution client", "url", cfg.Node.RPCURL, "chainID", chainID)
	}

	validator := validation.Chain{validation.NewBasicValidator(validation.Limits{
		MinPreVerificationGas: cfg.Validator.MinPreVerificationGas,
		MaxVerificationGas:    cfg.Validator.MaxVerificationGas,
		MaxOperationGas:       cfg.Validator.MaxOperationGas,
	})}
	if cfg.Validator.Enabled {
		validator = append(validator, validation.NewRemoteValidator(&cfg.Validator))
		logger.Info("Remote validator enabled", "url", cfg.Validator.URL)
	}

	met := metrics.New()
	b, err := bundler.New(bundler.Config{
		ChainID:             chainID,
		EntryPoints:         cfg.Bundler.EntryPointAddresses(),
		Blacklist:           cfg.Bundler.BlacklistAddresses(),
		MaxBundleSize:       cfg.Bundler.MaxBundleSize,
		MaxBundleGas:        cfg.Bundler.MaxBundleGas,
		BundleInterval:      cfg.Bundler.BundleInterval,
		CallTimeout:         cfg.Bundler.CallTimeout,
		MaxBundleRetries:    cfg.Bundler.MaxBundleRetries,
		ThrottledMaxPending: cfg.Bundler.ThrottledMaxPending,
		ReceiptCacheSize:    cfg.Bundler.ReceiptCacheSize,
		DecayInterval:       cfg.Reputation.DecayInterval,
		DecayFactor:         cfg.Reputation.DecayFactor,
	}, bundler.Deps{
		Pool:      pool,
		Ledger:    ledger,
		Validator: validator,
		Hasher:    validation.NewEntryPointHasher(chainID),
		Executor:  ex,
		Receipts:  receipts,
		Metrics:   met,
	})
	if err != nil {
		return fmt.Errorf("create bundler: %w", err)
	}

	rpcHandler := rpc.NewHandler(b, cfg.RPC.EnableDebug)
	rpcHandler.SetMetrics(met)
	rpcServer := rpc.NewServer(&cfg.RPC, rpcHandler)
	if err := rpcServer.Start(ctx); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	logger.Info("RPC server started", "http", cfg.RPC.ListenAddr, "ws", cfg.RPC.WSAddr, "debug", cfg.RPC.EnableDebug)

	if err := b.Start(); err != nil {
		return fmt.Errorf("start bundler: %w", err)
	}
	logger.Info("Bundling loop started", "interval", cfg.Bundler.BundleInterval, "maxBundleSize", cfg.Bundler.MaxBundleSize)

	if cfg.Metrics.Enabled {
		met.Serve(cfg.Metrics.Addr)
		logger.Info("Metrics server started", "addr", cfg.Metrics.Addr)
	}

	logger.Info("InSo Bundler is running",
		"chainID", chainID,
		"entryPoints", cfg.Bundler.EntryPoints,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	b.Stop()
	if err := rpcServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "err", err)
	}
	logger.Info("InSo Bundler stopped gracefully")
	return nil
}
