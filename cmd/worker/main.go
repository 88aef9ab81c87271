// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/actions"
	"github.com/flyingrobots/go-redis-work-queue/internal/admin"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/reaper"
	"github.com/flyingrobots/go-redis-work-queue/internal/reconcile"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|purge-all")
	fs.StringVar(&adminQueue, "queue", "", "Tier alias or completed|dead_letter for admin peek")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
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

	if role == "admin" {
		rdb := redisclient.New(cfg)
		defer rdb.Close()
		runAdmin(context.Background(), cfg, rdb, logger, adminCmd, adminQueue, adminN, adminYes)
		return
	}

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

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
	pool := worker.New(cfg, b, pg, objects, reg, logger)
	rep := reaper.New(cfg, rdb, logger)
	sweeper := reconcile.New(cfg, pg, rdb, logger)

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	go rep.Run(ctx)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("failed to start reconciliation sweeper", obs.Err(err))
	}
	defer sweeper.Stop()

	pool.Run(ctx)
}

// runAdmin implements `cmd/worker -role admin`: local operability commands
// that bypass the HTTP API entirely, modeled on the teacher's runAdmin in
// cmd/job-queue-system.
func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd, queue string, n int, yes bool) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		if queue == "" {
			logger.Fatal("admin peek requires -queue")
		}
		res, err := admin.Peek(ctx, cfg, rdb, queue, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without -yes")
		}
		if err := admin.PurgeDLQ(ctx, rdb); err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		fmt.Println("dead letter queue purged")
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without -yes")
		}
		purged, err := admin.PurgeAll(ctx, rdb)
		if err != nil {
			logger.Fatal("admin purge-all error", obs.Err(err))
		}
		payload, _ := json.Marshal(struct {
			Purged int `json:"purged"`
		}{Purged: purged})
		fmt.Println(string(payload))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
