// Package main provides issued, a collaborative issue-tracking daemon.
// Clients connect over TCP, receive the full issue collection, and get a
// fresh snapshot after every committed mutation.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/issued/internal/audit"
	"github.com/calvinalkan/issued/internal/config"
	"github.com/calvinalkan/issued/internal/hub"
	"github.com/calvinalkan/issued/internal/logger"
	"github.com/calvinalkan/issued/internal/pipeline"
	"github.com/calvinalkan/issued/internal/server"
	"github.com/calvinalkan/issued/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr *os.File) int {
	flags := pflag.NewFlagSet("issued", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	configPath := flags.String("config", "", "path to config file (default: $ISSUED_CONFIG, then ./"+config.FileName+")")
	addr := flags.String("addr", "", "TCP listen address (overrides config)")
	dataDir := flags.String("data-dir", "", "data directory (overrides config)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logFormat := flags.String("log-format", "", "log format: text or json (overrides config)")
	snapshots := flags.Bool("snapshots", false, "keep a per-commit snapshot of the data file (overrides config)")

	parseErr := flags.Parse(args)
	if parseErr != nil {
		if errors.Is(parseErr, pflag.ErrHelp) {
			return 0
		}

		return 2
	}

	cfg, configErr := config.Resolve(*configPath)
	if configErr != nil {
		fmt.Fprintf(stderr, "issued: %v\n", configErr)

		return 1
	}

	if flags.Changed("addr") {
		cfg.Addr = *addr
	}

	if flags.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	if flags.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}

	if flags.Changed("snapshots") {
		cfg.Snapshots = *snapshots
	}

	log, logErr := logger.New(
		logger.WithLevel(cfg.LogLevel),
		logger.WithFormat(cfg.LogFormat),
		logger.WithOutput(stderr),
	)
	if logErr != nil {
		fmt.Fprintf(stderr, "issued: %v\n", logErr)

		return 1
	}

	recordStore, storeErr := store.Open(cfg.DataDir)
	if storeErr != nil {
		log.Error("opening store failed", "error", storeErr)

		return 1
	}

	auditOpts := []audit.Option{}
	if cfg.Snapshots {
		auditOpts = append(auditOpts, audit.WithSnapshots(recordStore.Path()))
	}

	trail := audit.New(cfg.DataDir, auditOpts...)
	broadcast := hub.New(log.WithFields("component", "hub"))
	pipe := pipeline.New(recordStore, trail, broadcast, log.WithFields("component", "pipeline"))
	srv := server.New(cfg.Addr, pipe, broadcast, log.WithFields("component", "server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if runErr != nil {
		log.Error("server stopped", "error", runErr)

		return 1
	}

	log.Info("shutdown complete")

	return 0
}
