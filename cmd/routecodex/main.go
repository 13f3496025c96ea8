// =============================================================================
// RouteCodex 主入口
// =============================================================================
// CLI entrypoint: Loader -> RuntimeConfig + LoadCanonicalConfig ->
// CanonicalConfig -> Runtime construction -> graceful shutdown.
//
// Usage:
//
//	routecodex serve                       # start the gateway
//	routecodex serve --config config.yaml  # point at a RuntimeConfig file
//	routecodex version                     # print version info
//	routecodex health                      # curl /health
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/routecodex/routecodex/internal/runtime"
	"github.com/routecodex/routecodex/internal/server"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes the process returns to its caller/supervisor.
const (
	exitOK                = 0
	exitConfigLoadFailure = 2
	exitCredentialMissing = 3
	exitSnapshotCorrupt   = 10
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	runtimeConfigPath := fs.String("config", "", "Path to RuntimeConfig file (YAML)")
	canonicalConfigPath := fs.String("routes-config", "", "Path to CanonicalConfig file (YAML); defaults to gateway.config_path")
	fs.Parse(args)

	loader := config.NewLoader()
	if *runtimeConfigPath != "" {
		loader = loader.WithConfigPath(*runtimeConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfigLoadFailure)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(exitConfigLoadFailure)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting routecodex",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	telemetryProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", zap.Error(err))
		os.Exit(exitConfigLoadFailure)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	routesPath := *canonicalConfigPath
	if routesPath == "" {
		routesPath = cfg.Gateway.ConfigPath
	}
	cc, err := config.LoadCanonicalConfig(routesPath)
	if err != nil {
		logger.Error("failed to load routing config", zap.Error(err))
		os.Exit(exitConfigLoadFailure)
	}

	quotaDir := cfg.Gateway.QuotaDir
	if quotaDir == "" {
		quotaDir = cfg.Gateway.UserDir + "/quota"
	}

	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.Options{
		Config:         cc,
		Logger:         logger,
		DataDir:        quotaDir,
		AdminJWTSecret: cfg.Gateway.AdminJWTSecret,
		Version:        Version,
		SnapshotEvery:  cfg.Gateway.SnapshotInterval,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		MongoURI:       cfg.Gateway.MongoURI,
		MongoDatabase:  "routecodex",
		MongoColl:      "provider_errors",
	})
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrCorrupt):
			logger.Error("refusing to start: on-disk quota snapshot is corrupt", zap.Error(err))
			os.Exit(exitSnapshotCorrupt)
		case isMissingCredential(err):
			logger.Error("refusing to start: required credential missing", zap.Error(err))
			os.Exit(exitCredentialMissing)
		default:
			logger.Error("failed to construct runtime", zap.Error(err))
			os.Exit(exitConfigLoadFailure)
		}
	}

	snapshotCtx, cancelSnapshot := context.WithCancel(ctx)
	go func() {
		if err := rt.Start(snapshotCtx); err != nil {
			logger.Warn("snapshot writer stopped", zap.Error(err))
		}
	}()

	mgr := server.NewManager(rt.Gateway.Mux(), server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		cancelSnapshot()
		os.Exit(1)
	}

	mgr.WaitForShutdown()
	cancelSnapshot()
	if err := rt.Shutdown(); err != nil {
		logger.Warn("runtime shutdown error", zap.Error(err))
	}

	logger.Info("routecodex stopped")
	os.Exit(exitOK)
}

func isMissingCredential(err error) bool {
	rcErr, ok := routeerr.As(err)
	return ok && rcErr.Code == routeerr.CodeMissingCredential
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("routecodex %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`routecodex - LLM provider routing gateway

Usage:
  routecodex <command> [options]

Commands:
  serve     Start the routing gateway
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>         Path to RuntimeConfig file (YAML)
  --routes-config <path>  Path to CanonicalConfig file (YAML)

Examples:
  routecodex serve
  routecodex serve --config /etc/routecodex/config.yaml
  routecodex health --addr http://localhost:8080
  routecodex version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format != "console" {
		zapConfig.Encoding = "json"
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
