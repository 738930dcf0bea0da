// Package engine drives the prefetch worker pool over a backlog of place
// identifiers: fetch record, fetch photos, transcode, stage, commit.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/quota"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/ratelimit"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/store"
)

// Fetcher retrieves upstream records and photo bytes.
type Fetcher interface {
	FetchPlace(ctx context.Context, placeID string) (*models.PlaceSnapshot, error)
	FetchPhoto(ctx context.Context, ref models.PhotoRef) ([]byte, error)
}

// Generator produces the variant set for one photo.
type Generator interface {
	Generate(raw []byte) (*models.AssetSet, error)
}

// Observer receives engine lifecycle notifications. All callbacks run on
// engine goroutines and must not block.
type Observer interface {
	RunStarted(total int)
	ItemStarted(placeID string)
	ItemFinished(outcome models.SyncOutcome)
	RunFinished()
}

// Engine is the bounded-concurrency scheduler. One Run is active at a time;
// workers claim identifiers from a shared backlog and take each item through
// fetch, transcode, stage and commit before pulling the next.
type Engine struct {
	fetcher   Fetcher
	pipeline  Generator
	store     *store.Store
	ledger    *quota.Ledger
	limiter   *ratelimit.PerWorker
	maxPhotos int
	observer  Observer

	mu        sync.Mutex
	cond      *sync.Cond
	running   bool
	paused    bool
	cancelled bool
	quotaDry  bool
	// runGen counts runs; goroutines left over from a finished run check it
	// before touching shared state.
	runGen int
}

// New creates an Engine.
func New(fetcher Fetcher, pipeline Generator, st *store.Store, ledger *quota.Ledger, limiter *ratelimit.PerWorker, maxPhotos int) *Engine {
	e := &Engine{
		fetcher:   fetcher,
		pipeline:  pipeline,
		store:     st,
		ledger:    ledger,
		limiter:   limiter,
		maxPhotos: maxPhotos,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetObserver attaches the progress observer. Must be called before Run.
func (e *Engine) SetObserver(obs Observer) {
	e.observer = obs
}

// Run drains the identifiers across concurrency workers and returns the
// outcome stream. Outcomes arrive in completion order, exactly once per
// identifier. The channel closes when the run is complete.
func (e *Engine) Run(ctx context.Context, placeIDs []string, concurrency int) (<-chan models.SyncOutcome, error) {
	if concurrency < 1 {
		return nil, apperrors.New(apperrors.ErrInvalid, "concurrency must be >= 1")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrInvalid, "a sync run is already in progress")
	}
	e.running = true
	e.paused = false
	e.cancelled = false
	e.quotaDry = false
	e.runGen++
	gen := e.runGen
	e.mu.Unlock()

	// Each identifier is claimed by exactly one worker.
	backlog := make(chan string, len(placeIDs))
	for _, id := range placeIDs {
		backlog <- id
	}
	close(backlog)

	outcomes := make(chan models.SyncOutcome, len(placeIDs))

	runCtx, stopWatch := context.WithCancel(ctx)
	go func() {
		// Wake paused workers when the context dies. stopWatch also fires
		// this on normal completion, so the watcher must only act while its
		// own run is still the current one.
		<-runCtx.Done()
		e.mu.Lock()
		if e.runGen == gen {
			e.cancelled = true
			e.cond.Broadcast()
		}
		e.mu.Unlock()
	}()

	if e.observer != nil {
		e.observer.RunStarted(len(placeIDs))
	}
	logging.Info("sync run started", map[string]interface{}{
		"items":       len(placeIDs),
		"concurrency": concurrency,
	})

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			e.worker(ctx, workerID, backlog, outcomes)
		}(i)
	}

	go func() {
		wg.Wait()
		stopWatch()

		// Clear running before the channel closes so a caller that drains
		// the stream can immediately start the next run.
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()

		close(outcomes)

		if e.observer != nil {
			e.observer.RunFinished()
		}
		logging.Info("sync run finished", nil)
	}()

	return outcomes, nil
}

// Pause asks workers to idle after finishing their current item.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume wakes paused workers.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Cancel stops the run cooperatively. Items past the last pre-commit
// checkpoint finish; everything else is aborted uncommitted and deferred.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Status reports the engine's scheduling state.
func (e *Engine) Status() (running, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.paused
}

// worker claims identifiers until the backlog drains.
func (e *Engine) worker(ctx context.Context, workerID int, backlog <-chan string, outcomes chan<- models.SyncOutcome) {
	for placeID := range backlog {
		e.waitWhilePaused()

		var outcome models.SyncOutcome
		switch {
		case e.isCancelled() || ctx.Err() != nil:
			outcome = deferred(placeID, "run cancelled")
		case e.isQuotaDry():
			// Stop issuing upstream calls; old data for these items stays servable.
			outcome = deferred(placeID, "daily quota exhausted")
		default:
			if e.observer != nil {
				e.observer.ItemStarted(placeID)
			}
			outcome = e.processItem(ctx, workerID, placeID)
		}

		outcomes <- outcome
		if e.observer != nil {
			e.observer.ItemFinished(outcome)
		}
	}
}

// processItem takes one identifier through the full fetch → transcode →
// stage → commit pipeline. Cancellation checkpoints sit before every
// upstream call and before commit; a commit, once started, always runs to
// completion.
func (e *Engine) processItem(ctx context.Context, workerID int, placeID string) models.SyncOutcome {
	if err := e.limiter.Acquire(ctx, workerID); err != nil {
		return deferred(placeID, "run cancelled")
	}
	if !e.ledger.TryAdmit(1) {
		e.markQuotaDry()
		return deferred(placeID, "daily quota exhausted")
	}

	snap, err := e.fetcher.FetchPlace(ctx, placeID)
	if err != nil {
		return e.classifyFailure(placeID, "record fetch", err)
	}

	refs := snap.Photos
	if e.maxPhotos > 0 && len(refs) > e.maxPhotos {
		refs = refs[:e.maxPhotos]
		snap.Photos = refs
	}

	var assets []models.AssetSet
	for idx, ref := range refs {
		if e.isCancelled() || ctx.Err() != nil {
			return deferred(placeID, "run cancelled")
		}
		e.waitWhilePaused()

		if err := e.limiter.Acquire(ctx, workerID); err != nil {
			return deferred(placeID, "run cancelled")
		}
		if !e.ledger.TryAdmit(1) {
			e.markQuotaDry()
			return deferred(placeID, "daily quota exhausted")
		}

		raw, err := e.fetcher.FetchPhoto(ctx, ref)
		if err != nil {
			return e.classifyFailure(placeID, fmt.Sprintf("photo %d fetch", idx), err)
		}

		set, err := e.pipeline.Generate(raw)
		if err != nil {
			// Decode failures are permanent; the whole asset set is discarded.
			return e.classifyFailure(placeID, fmt.Sprintf("photo %d transcode", idx), err)
		}
		set.PhotoIdx = idx
		assets = append(assets, *set)
	}

	handle, err := e.store.Stage(placeID, snap, assets)
	if err != nil {
		return failed(placeID, "staging: "+err.Error())
	}

	// Last checkpoint before the point of no return. After this the commit
	// runs to completion even if Cancel arrives mid-way.
	if e.isCancelled() || ctx.Err() != nil {
		e.store.Abort(handle)
		return deferred(placeID, "run cancelled")
	}

	if err := e.store.Commit(handle); err != nil {
		e.store.Abort(handle)
		return failed(placeID, "commit: "+err.Error())
	}

	return models.SyncOutcome{
		PlaceID:    placeID,
		Status:     models.OutcomeSuccess,
		FinishedAt: time.Now(),
	}
}

// classifyFailure maps a fetch/pipeline error to a deferred or failed outcome.
func (e *Engine) classifyFailure(placeID, stage string, err error) models.SyncOutcome {
	if apperrors.IsQuotaExhausted(err) {
		e.markQuotaDry()
		return deferred(placeID, "daily quota exhausted")
	}
	if apperrors.IsCancelled(err) {
		return deferred(placeID, "run cancelled")
	}
	logging.Warn("item failed", map[string]interface{}{
		"place_id": placeID,
		"stage":    stage,
		"code":     string(apperrors.Code(err)),
		"error":    err.Error(),
	})
	return failed(placeID, stage+": "+err.Error())
}

func deferred(placeID, reason string) models.SyncOutcome {
	return models.SyncOutcome{
		PlaceID:    placeID,
		Status:     models.OutcomeDeferred,
		Reason:     reason,
		FinishedAt: time.Now(),
	}
}

func failed(placeID, reason string) models.SyncOutcome {
	return models.SyncOutcome{
		PlaceID:    placeID,
		Status:     models.OutcomeFailed,
		Reason:     reason,
		FinishedAt: time.Now(),
	}
}

// waitWhilePaused blocks the calling worker while the engine is paused.
// Cancellation wakes it.
func (e *Engine) waitWhilePaused() {
	e.mu.Lock()
	for e.paused && !e.cancelled {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) isQuotaDry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quotaDry
}

func (e *Engine) markQuotaDry() {
	e.mu.Lock()
	e.quotaDry = true
	e.mu.Unlock()
}
