package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"refi/config"
	"refi/core"
	"refi/observability/logging"
	"refi/observability/otel"
	"refi/rpc"
	"refi/storage"
	"refi/storage/archive"
)

const (
	genesisPathEnv  = "REFI_GENESIS"
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 24 * time.Hour
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides REFI_GENESIS and config GenesisFile)")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: seed a default genesis when no stored state exists")
	exportDir := flag.String("export-receipts", "", "Export archived receipts to the given directory and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv("REFI_ENV"))
	logger := logging.Setup("refid", env, cfg.LoggingConfig())

	if *exportDir != "" {
		if err := exportReceipts(cfg, *exportDir); err != nil {
			logger.Error("export receipts", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := otel.Init(ctx, cfg.TelemetryConfig("refid"))
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile)
	allowAutogenesis := cfg.AllowAutogenesis || *allowAutogenesisFlag

	node, err := core.NewNode(db, genesisPath, allowAutogenesis, cfg.ModulePauses())
	if err != nil {
		logger.Error("boot node", "error", err)
		os.Exit(1)
	}
	node.SetLogger(logger)

	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:         cfg.Auth.Token(),
		JWTSecret:         cfg.Auth.JWTSecret(),
		JWTIssuer:         cfg.Auth.JWTIssuer,
		JWTAudience:       cfg.Auth.JWTAudience,
		RateLimitPerMin:   cfg.RPC.RateLimitPerMin,
		RateLimitBurst:    cfg.RPC.RateLimitBurst,
		TrustProxyHeaders: cfg.RPC.TrustProxyHeaders,
		AllowedOrigins:    cfg.RPC.AllowedOrigins,
	})
	server.SetLogger(logger)

	if cfg.Archive.Enable {
		store, err := openArchive(cfg)
		if err != nil {
			logger.Error("open archive", "error", err, "path", cfg.Archive.Path)
			os.Exit(1)
		}
		defer store.Close()
		node.SetArchive(store)
		server.SetArchive(store, cfg.Archive.ExportDir)
		if cfg.Archive.RetentionDays > 0 {
			go pruneLoop(ctx, logger, store, cfg.Archive.RetentionDays)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	logger.Info("node started",
		"network", cfg.NetworkName,
		"rpc", cfg.RPCAddress,
		"archive", cfg.Archive.Enable,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("rpc server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", "error", err)
	}
	logger.Info("node stopped")
}

func resolveGenesisPath(flagValue, configValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(genesisPathEnv)); fromEnv != "" {
		return fromEnv
	}
	return strings.TrimSpace(configValue)
}

func openArchive(cfg *config.Config) (*archive.Store, error) {
	dsn, err := archive.FileDSN(cfg.Archive.Path)
	if err != nil {
		return nil, err
	}
	return archive.Open(dsn)
}

func pruneLoop(ctx context.Context, logger *slog.Logger, store *archive.Store, retentionDays int) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			removed, err := store.PruneBefore(ctx, cutoff)
			if err != nil {
				logger.Warn("prune receipts", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned receipts", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}

func exportReceipts(cfg *config.Config, dir string) error {
	if !cfg.Archive.Enable {
		return fmt.Errorf("receipt archive is disabled in config")
	}
	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	receipts, err := store.ListReceipts(ctx, 500)
	if err != nil {
		return err
	}
	files, err := archive.Export(dir, receipts)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d receipts\n  csv: %s\n  parquet: %s\n", files.Count, files.CSVPath, files.ParquetPath)
	return nil
}
