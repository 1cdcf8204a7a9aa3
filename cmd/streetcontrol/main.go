// Command streetcontrol runs the platform's CLI surface: initdb, seed,
// sync, and serve. Exit codes follow the operator contract: 0 success,
// 1 usage/bad-input error, 2 operational failure (NotReady, Transient,
// Fatal reaching the top) or AlreadySynced (sync is a deliberate no-op,
// distinct from both success and failure).
//
// Grounded on the pack's webhook-delivery server entrypoint (3i7net):
// config load, dependency wiring, signal-driven graceful shutdown with
// a bounded drain window.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/IvanNece/StreetControl/internal/archive"
	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/config"
	"github.com/IvanNece/StreetControl/internal/httpapi"
	"github.com/IvanNece/StreetControl/internal/logging"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/realtime"
	"github.com/IvanNece/StreetControl/internal/statemachine"
	"github.com/IvanNece/StreetControl/internal/streeterr"
	"github.com/IvanNece/StreetControl/internal/sync"
	"github.com/IvanNece/StreetControl/internal/tally"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.Environment)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: streetcontrol <initdb|seed|sync|serve> [flags]")
		return 1
	}

	switch args[0] {
	case "initdb":
		return runInitdb(cfg, log)
	case "seed":
		return runSeed(cfg, log)
	case "sync":
		return runSync(cfg, log, args[1:])
	case "serve":
		return runServe(cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return 1
	}
}

func runInitdb(cfg *config.Config, log *slog.Logger) int {
	if _, err := catalog.OpenWithRetry(cfg.LocalDBPath, cfg.TransientMaxRetries, cfg.TransientBaseBackoff); err != nil {
		log.Error("initdb failed", "error", err)
		return exitCodeFor(err)
	}
	log.Info("local store initialized", "path", cfg.LocalDBPath)
	return 0
}

func runSeed(cfg *config.Config, log *slog.Logger) int {
	store, err := catalog.OpenWithRetry(cfg.LocalDBPath, cfg.TransientMaxRetries, cfg.TransientBaseBackoff)
	if err != nil {
		log.Error("seed failed to open store", "error", err)
		return exitCodeFor(err)
	}

	if err := store.CreateMeetType(catalog.MeetType{
		Name: "POWERLIFTING",
		Lifts: []catalog.Lift{
			{Code: "SQ", Order: 1},
			{Code: "BP", Order: 2},
			{Code: "DL", Order: 3},
		},
	}); err != nil {
		log.Error("seed failed", "error", err)
		return exitCodeFor(err)
	}

	log.Info("seed data written", "path", cfg.LocalDBPath)
	return 0
}

func runSync(cfg *config.Config, log *slog.Logger, args []string) int {
	meetCode := ""
	force := false
	for _, a := range args {
		switch a {
		case "--force":
			force = true
		default:
			meetCode = a
		}
	}
	if meetCode == "" {
		fmt.Fprintln(os.Stderr, "usage: streetcontrol sync <meet-code> [--force]")
		return 1
	}

	store, err := catalog.OpenWithRetry(cfg.LocalDBPath, cfg.TransientMaxRetries, cfg.TransientBaseBackoff)
	if err != nil {
		log.Error("sync failed to open local store", "error", err)
		return exitCodeFor(err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.RemoteDatabaseURL)
	if err != nil {
		log.Error("sync failed to connect to remote archive", "error", err)
		return exitCodeFor(err)
	}
	defer pool.Close()

	remote := archive.NewPgxArchive(pool)
	resolver := sync.New(store, remote, ranking.New(store), cfg.SyncWorkerCount, cfg.TransientMaxRetries, cfg.TransientBaseBackoff)

	result, err := resolver.Sync(context.Background(), meetCode, force)
	if err != nil {
		log.Error("sync failed", "error", err, "meet_code", meetCode)
		return exitCodeFor(err)
	}
	if result.AlreadySynced {
		log.Info("meet already synced, nothing to do", "meet_code", meetCode)
		return 2
	}
	log.Info("sync complete",
		"meet_code", meetCode,
		"athletes_upserted", result.AthletesUpserted,
		"results_inserted", result.ResultsInserted,
		"records_promoted", result.RecordsPromoted,
		"placements_written", result.PlacementsWritten,
	)
	return 0
}

func runServe(cfg *config.Config, log *slog.Logger) int {
	store, err := catalog.OpenWithRetry(cfg.LocalDBPath, cfg.TransientMaxRetries, cfg.TransientBaseBackoff)
	if err != nil {
		log.Error("serve failed to open local store", "error", err)
		return exitCodeFor(err)
	}

	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		redisClient = redis.NewClient(opts)
	} else {
		log.Warn("redis url invalid, broker will not fan out across instances", "error", err)
	}

	orderingEngine := ordering.New(store)
	rankingEngine := ranking.New(store)
	tallyStore := tally.New()
	tokens := realtime.NewTokenIssuer([]byte(cfg.JudgeTokenSecret), 12*time.Hour)

	broker := realtime.NewBroker(redisClient, cfg.BrokerSendBufferSize, log)
	go broker.Run()
	defer broker.Stop()

	machine := statemachine.New(store, orderingEngine, rankingEngine, tallyStore, broker)
	handler := httpapi.New(store, machine, orderingEngine, rankingEngine, tallyStore, broker, tokens, log)

	server := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error("server error", "error", err)
		return 2
	case <-quit:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
		return 2
	}
	log.Info("shutdown complete")
	return 0
}

// exitCodeFor maps a streeterr.Kind to the CLI's documented exit
// codes: bad input is an operator mistake (1), everything else that
// reaches main is an operational failure (2).
func exitCodeFor(err error) int {
	if streeterr.KindOf(err) == streeterr.BadInput {
		return 1
	}
	return 2
}
