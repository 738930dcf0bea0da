// Command server runs the place cache: the HTTP API, the websocket
// progress feed and the background refresh scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/config"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/db"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/engine"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/fetch"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/progress"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/quota"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/ratelimit"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/scheduler"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/server"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/store"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/variants"
)

func main() {
	cfg, err := config.Load(os.Getenv("TIMELINE_CONFIG"))
	if err != nil {
		logging.Init(os.Stderr, "info")
		logging.Error("failed to load config", err)
		os.Exit(1)
	}
	logging.Init(os.Stderr, cfg.Log.Level)

	database, err := db.Open(cfg.Storage.DataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database.DB); err != nil {
		logging.Error("failed to run migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	st, err := store.New(database, repo, cfg.Storage.DataDir, cfg.Sync.CacheTTL)
	if err != nil {
		logging.Error("failed to open store", err)
		os.Exit(1)
	}

	ledger := quota.NewLedger(cfg.Sync.DailyQuota, repo)
	limiter := ratelimit.NewPerWorker(cfg.Sync.RequestInterval)

	client := fetch.NewClient(fetch.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		Timeout:       cfg.Upstream.Timeout,
		BackoffBase:   cfg.Sync.BackoffBase,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		MaxPhotoWidth: maxWidth(cfg.Photos.TargetWidths),
	})

	pipeline := variants.NewPipeline(cfg.Photos.TargetWidths, cfg.Photos.WebPQuality, cfg.Photos.JPEGQuality)

	eng := engine.New(client, pipeline, st, ledger, limiter, cfg.Photos.MaxPerPlace)
	reporter := progress.NewReporter(ledger, st)
	eng.SetObserver(reporter)

	var sched *scheduler.Scheduler
	if cfg.Cron.Enabled {
		sched, err = scheduler.New(eng, repo, ledger, scheduler.Options{
			RefreshSpec: cfg.Cron.RefreshAt,
			QuotaSpec:   cfg.Cron.QuotaReset,
			Concurrency: cfg.Sync.Concurrency,
			CacheTTL:    cfg.Sync.CacheTTL,
		})
		if err != nil {
			logging.Error("failed to build scheduler", err)
			os.Exit(1)
		}
		sched.Start()
	}

	srv := server.New(st, ledger, eng, reporter, cfg.Sync.Concurrency)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.HTTPAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logging.Error("server error", err)
	}

	eng.Cancel()
	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

func maxWidth(widths []int) int {
	max := 0
	for _, w := range widths {
		if w > max {
			max = w
		}
	}
	return max
}
