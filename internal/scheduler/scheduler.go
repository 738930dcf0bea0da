// Package scheduler runs the background maintenance jobs: periodic refresh
// of stale cache entries and the daily quota rollover.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/db"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/engine"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/quota"
)

// Options configures the scheduler's cron expressions. Specs use the
// six-field form with seconds.
type Options struct {
	RefreshSpec string
	QuotaSpec   string
	Concurrency int
	CacheTTL    time.Duration
}

// Scheduler owns the cron runner and triggers refresh runs on the engine.
type Scheduler struct {
	cron   *cron.Cron
	eng    *engine.Engine
	repo   *db.Repository
	ledger *quota.Ledger
	opts   Options
}

// New creates a Scheduler. Jobs are registered but not started.
func New(eng *engine.Engine, repo *db.Repository, ledger *quota.Ledger, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		eng:    eng,
		repo:   repo,
		ledger: ledger,
		opts:   opts,
	}

	if opts.RefreshSpec != "" {
		if _, err := s.cron.AddFunc(opts.RefreshSpec, s.refreshStale); err != nil {
			return nil, err
		}
	}
	if opts.QuotaSpec != "" {
		if _, err := s.cron.AddFunc(opts.QuotaSpec, s.rolloverQuota); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Info("scheduler started", map[string]interface{}{
		"refresh": s.opts.RefreshSpec,
		"quota":   s.opts.QuotaSpec,
	})
}

// Stop halts the cron loop and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.Info("scheduler stopped", nil)
}

// refreshStale kicks off a sync run over every place whose snapshot has
// outlived the TTL. Deferred items simply wait for the next tick.
func (s *Scheduler) refreshStale() {
	cutoff := time.Now().Add(-s.opts.CacheTTL)
	ids, err := s.repo.ListStalePlaceIDs(cutoff)
	if err != nil {
		logging.Error("failed to list stale places", err)
		return
	}
	if len(ids) == 0 {
		logging.Debug("no stale places to refresh", nil)
		return
	}

	outcomes, err := s.eng.Run(context.Background(), ids, s.opts.Concurrency)
	if err != nil {
		// Most likely a manual run is already in flight.
		logging.Warn("refresh run not started", map[string]interface{}{"error": err.Error()})
		return
	}

	var succeeded, deferred, failed int
	for o := range outcomes {
		switch o.Status {
		case models.OutcomeSuccess:
			succeeded++
		case models.OutcomeDeferred:
			deferred++
		default:
			failed++
		}
	}
	logging.Info("refresh run complete", map[string]interface{}{
		"stale":     len(ids),
		"succeeded": succeeded,
		"deferred":  deferred,
		"failed":    failed,
	})
}

// rolloverQuota resets the ledger at the day boundary.
func (s *Scheduler) rolloverQuota() {
	s.ledger.ResetIfNewDay()
}
