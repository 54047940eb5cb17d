package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/config"
	"github.com/fattyageboy/berthcare-sub003/internal/migrate"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
	"github.com/fattyageboy/berthcare-sub003/internal/store/pg"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("BERTHCARE_CONFIG"), "Path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL)")
		seedsPath  = flag.String("seeds", "", "Directory of SQL seed files")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|seed|status]")
		os.Exit(2)
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: "info", Encoding: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
		*dsn = cfg.Postgres.DSN
	}
	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.Pool{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrate.Schema(), seeds, migrate.WithLogger(logger))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			if e.AppliedAt == nil {
				fmt.Printf("%-40s pending\n", e.Name)
				continue
			}
			fmt.Printf("%-40s %s\n", e.Name, e.AppliedAt.UTC().Format(time.RFC3339))
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
	logger.Info("migrate done", zap.String("command", cmd))
}
