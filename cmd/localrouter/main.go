// Copyright (c) localrouter Authors.
// Licensed under the MIT License.

// localrouter is the multiplexing gateway's executable: it aggregates
// upstream tool-protocol servers behind one per-client session, routes
// OpenAI-compatible completions across LLM providers under the same
// client policy, and meters both pipelines into the metrics store and
// access log (see the package doc for the subcommand list).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	glebarez "github.com/glebarez/sqlite"

	"github.com/localrouter/gateway/config"
	"github.com/localrouter/gateway/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
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
	configPath := fs.String("config", "", "Path to config file")
	gatewayStatePath := fs.String("gateway-config", "", "Path to the gateway state YAML (clients/servers/strategies); defaults to -config")
	fs.Parse(args)

	loader := config.NewLoader().WithEnvPrefix("LOCALROUTER")
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// §6 "Metrics DB: a single embedded SQL database file" — without an
	// explicit config file opting into a client/server database, default
	// to the embedded sqlite file rather than DefaultDatabaseConfig's
	// postgres-at-localhost (which assumes an already-running database
	// server and would make the gateway fail to start standalone).
	if *configPath == "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Name = "localrouter.db"
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting localrouter",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else if otelProviders != nil {
		defer otelProviders.Shutdown(context.Background())
	}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open metrics database", zap.Error(err))
	}

	statePath := *gatewayStatePath
	if statePath == "" {
		statePath = *configPath
	}

	srv, err := NewServer(cfg, statePath, logger, db)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("localrouter stopped")
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
	fmt.Printf("localrouter %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`localrouter - multiplexing LLM/tool-protocol gateway

Usage:
  localrouter <command> [options]

Commands:
  serve     Start the gateway
  migrate   Metrics-store migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>           Path to the ambient config file (YAML: server/log/database/telemetry)
  --gateway-config <path>   Path to the gateway state file (YAML: clients/servers/strategies); defaults to --config

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  localrouter serve
  localrouter serve --config /etc/localrouter/config.yaml
  localrouter migrate up
  localrouter migrate status
  localrouter health --addr http://localhost:8080
  localrouter version`)
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

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openDatabase opens the gorm connection the metrics store and migration
// CLI share. "sqlite" (pure-Go, via glebarez) needs no DSN beyond a file
// path and is the default so the gateway runs standalone without an
// external database, matching how internal/migration's factory already
// treats sqlite as a first-class driver alongside postgres/mysql.
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "", "sqlite":
		path := dbCfg.Name
		if path == "" {
			path = "localrouter.db"
		}
		dialector = glebarez.Open(path)
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	case "mysql":
		dialector = mysql.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
