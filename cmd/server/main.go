// Copyright 2025 James Ross
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/actions"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/httpapi"
	"github.com/flyingrobots/go-redis-work-queue/internal/lifecycle"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/submission"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	pg, err := store.NewPostgresStore(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to metadata store", obs.Err(err))
	}
	if err := pg.Migrate(); err != nil {
		logger.Fatal("failed to migrate metadata store", obs.Err(err))
	}

	objects, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Fatal("failed to init object store gateway", obs.Err(err))
	}

	reg := registry.New(logger)
	actions.RegisterAll(reg)

	b := broker.New(cfg, rdb, logger)
	sub := submission.New(pg, b, reg, logger)
	lc := lifecycle.New(pg, b, objects, logger)

	handler := httpapi.NewHandler(pg, b, sub, lc, logger)
	router := httpapi.NewRouter(handler)

	srv := &http.Server{
		Addr:    cfg.HTTPAPI.Addr,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", obs.Err(err))
		}
	}()

	logger.Info("starting httpapi", obs.String("addr", cfg.HTTPAPI.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server error", obs.Err(err))
	}
}
