package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/db"
	apperrors "github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/quota"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/ratelimit"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/store"
)

// fakeFetcher serves canned snapshots with a configurable photo count.
type fakeFetcher struct {
	mu         sync.Mutex
	placeCalls int
	photoCalls int
	photos     int

	failPlaces map[string]error
	started    chan string   // receives each place id as its fetch begins
	block      chan struct{} // fetches wait on this when set
}

func (f *fakeFetcher) FetchPlace(ctx context.Context, placeID string) (*models.PlaceSnapshot, error) {
	f.mu.Lock()
	f.placeCalls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- placeID
	}
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.failPlaces[placeID]; ok {
		return nil, err
	}

	snap := &models.PlaceSnapshot{
		PlaceID:    placeID,
		Name:       "Place " + placeID,
		CapturedAt: time.Now().Unix(),
	}
	for i := 0; i < f.photos; i++ {
		snap.Photos = append(snap.Photos, models.PhotoRef{
			Name: fmt.Sprintf("places/%s/photos/%d", placeID, i),
		})
	}
	return snap, nil
}

func (f *fakeFetcher) FetchPhoto(ctx context.Context, ref models.PhotoRef) ([]byte, error) {
	f.mu.Lock()
	f.photoCalls++
	f.mu.Unlock()
	return []byte("raw-" + ref.Name), nil
}

func (f *fakeFetcher) calls() (places, photos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls, f.photoCalls
}

// fakeGenerator emits a single jpeg variant per photo.
type fakeGenerator struct{}

func (fakeGenerator) Generate(raw []byte) (*models.AssetSet, error) {
	return &models.AssetSet{
		Variants: []models.Variant{
			{Width: 320, Height: 240, Encoding: models.EncodingJPEG, Data: raw},
		},
	}, nil
}

func newTestStore(t *testing.T) (*store.Store, *db.Repository) {
	t.Helper()
	dataDir := t.TempDir()

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database.DB); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	st, err := store.New(database, repo, dataDir, time.Hour)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return st, repo
}

func placeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("place-%02d", i)
	}
	return ids
}

func collect(t *testing.T, outcomes <-chan models.SyncOutcome) []models.SyncOutcome {
	t.Helper()
	var all []models.SyncOutcome
	timeout := time.After(10 * time.Second)
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return all
			}
			all = append(all, o)
		case <-timeout:
			t.Fatalf("run did not finish; %d outcomes so far", len(all))
		}
	}
}

func TestRunCommitsEveryItem(t *testing.T) {
	st, repo := newTestStore(t)
	fetcher := &fakeFetcher{photos: 2}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(8), 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, outcomes)

	if len(all) != 8 {
		t.Fatalf("got %d outcomes, want 8", len(all))
	}
	for _, o := range all {
		if o.Status != models.OutcomeSuccess {
			t.Errorf("%s: status %s (%s), want success", o.PlaceID, o.Status, o.Reason)
		}
	}

	for _, id := range placeIDs(8) {
		if _, err := repo.GetPlaceSnapshot(id); err != nil {
			t.Errorf("no committed snapshot for %s: %v", id, err)
		}
	}
}

func TestOutcomesOncePerIdentifier(t *testing.T) {
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	ids := placeIDs(20)
	outcomes, err := eng.Run(context.Background(), ids, 4)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, outcomes)

	seen := make(map[string]int)
	for _, o := range all {
		seen[o.PlaceID]++
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("%s: %d outcomes, want exactly 1", id, seen[id])
		}
	}
}

func TestQuotaExhaustionDefersRemainder(t *testing.T) {
	const ceiling = 10
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{} // no photos: one upstream call per item
	ledger := quota.NewLedger(ceiling, nil)
	eng := New(fetcher, fakeGenerator{}, st, ledger, ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(15), 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, outcomes)

	var succeeded, deferred, failed int
	for _, o := range all {
		switch o.Status {
		case models.OutcomeSuccess:
			succeeded++
		case models.OutcomeDeferred:
			deferred++
		default:
			failed++
		}
	}
	if succeeded != ceiling {
		t.Errorf("succeeded = %d, want %d", succeeded, ceiling)
	}
	if deferred != 15-ceiling {
		t.Errorf("deferred = %d, want %d", deferred, 15-ceiling)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if got := ledger.Used(); got != ceiling {
		t.Errorf("ledger.Used() = %d, want exactly %d", got, ceiling)
	}

	places, _ := fetcher.calls()
	if places != ceiling {
		t.Errorf("made %d upstream calls, want exactly %d", places, ceiling)
	}
}

func TestPermanentFailureDoesNotStopRun(t *testing.T) {
	st, repo := newTestStore(t)
	fetcher := &fakeFetcher{
		failPlaces: map[string]error{
			"place-02": apperrors.New(apperrors.ErrFetchPermanent, "not found (404)"),
		},
	}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(5), 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, outcomes)

	for _, o := range all {
		want := models.OutcomeSuccess
		if o.PlaceID == "place-02" {
			want = models.OutcomeFailed
		}
		if o.Status != want {
			t.Errorf("%s: status %s, want %s", o.PlaceID, o.Status, want)
		}
	}

	if _, err := repo.GetPlaceSnapshot("place-02"); err != sql.ErrNoRows {
		t.Errorf("failed item left data behind: %v", err)
	}
}

func TestCancelCommitsNothingAfterSignal(t *testing.T) {
	st, repo := newTestStore(t)
	fetcher := &fakeFetcher{
		started: make(chan string, 16),
		block:   make(chan struct{}),
	}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	ids := placeIDs(6)
	outcomes, err := eng.Run(context.Background(), ids, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Wait until the first item's fetch is in flight, then cancel and
	// release it.
	<-fetcher.started
	eng.Cancel()
	close(fetcher.block)

	all := collect(t, outcomes)
	if len(all) != len(ids) {
		t.Fatalf("got %d outcomes, want %d", len(all), len(ids))
	}
	for _, o := range all {
		if o.Status == models.OutcomeSuccess {
			t.Errorf("%s committed after cancel", o.PlaceID)
		}
		if o.Status == models.OutcomeDeferred && o.Reason != "run cancelled" {
			t.Errorf("%s: reason %q", o.PlaceID, o.Reason)
		}
	}

	for _, id := range ids {
		if _, err := repo.GetPlaceSnapshot(id); err != sql.ErrNoRows {
			t.Errorf("%s has committed data after cancel: %v", id, err)
		}
	}

	places, _ := fetcher.calls()
	if places != 1 {
		t.Errorf("made %d upstream calls after cancel, want 1", places)
	}
}

func TestPauseHoldsWorkersUntilResume(t *testing.T) {
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{
		started: make(chan string, 16),
		block:   make(chan struct{}),
	}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(3), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Pause while the first item's fetch is in flight, then release it.
	// The in-flight item runs to completion; the worker idles before
	// claiming the next one.
	<-fetcher.started
	eng.Pause()
	fetcher.block <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if places, _ := fetcher.calls(); places != 1 {
		t.Errorf("paused run made %d upstream calls, want 1", places)
	}

	eng.Resume()
	fetcher.block <- struct{}{}
	fetcher.block <- struct{}{}

	all := collect(t, outcomes)
	for _, o := range all {
		if o.Status != models.OutcomeSuccess {
			t.Errorf("%s: status %s after resume", o.PlaceID, o.Status)
		}
	}
	if places, _ := fetcher.calls(); places != 3 {
		t.Errorf("made %d upstream calls, want 3", places)
	}
}

func TestSequentialRunsAreIndependent(t *testing.T) {
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(100000, nil), ratelimit.NewPerWorker(0), 0)

	// Back-to-back runs must not inherit cancellation from a predecessor.
	// The watcher goroutine of a finished run is woken on normal completion
	// and must never mark a later run cancelled.
	for i := 0; i < 200; i++ {
		outcomes, err := eng.Run(context.Background(), placeIDs(1), 1)
		if err != nil {
			t.Fatalf("run %d: Run failed: %v", i, err)
		}
		for _, o := range collect(t, outcomes) {
			if o.Status != models.OutcomeSuccess {
				t.Fatalf("run %d: %s status %s (%s), want success", i, o.PlaceID, o.Status, o.Reason)
			}
		}
	}
}

func TestCancelledFetchDefersItem(t *testing.T) {
	st, repo := newTestStore(t)
	fetcher := &fakeFetcher{
		failPlaces: map[string]error{
			"place-01": apperrors.Wrap(apperrors.ErrFetchCancelled, "retry interrupted", context.Canceled),
		},
	}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(3), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, outcomes)

	// A fetch cut short by context death is a deferred item, never a failure;
	// the identifier stays eligible for the next run.
	for _, o := range all {
		if o.PlaceID == "place-01" {
			if o.Status != models.OutcomeDeferred {
				t.Errorf("cancelled fetch: status %s (%s), want deferred", o.Status, o.Reason)
			}
			continue
		}
		if o.Status != models.OutcomeSuccess {
			t.Errorf("%s: status %s, want success", o.PlaceID, o.Status)
		}
	}

	if _, err := repo.GetPlaceSnapshot("place-01"); err != sql.ErrNoRows {
		t.Errorf("cancelled item left data behind: %v", err)
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{
		started: make(chan string, 16),
		block:   make(chan struct{}),
	}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	outcomes, err := eng.Run(context.Background(), placeIDs(2), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-fetcher.started

	if _, err := eng.Run(context.Background(), placeIDs(2), 1); err == nil {
		t.Error("second Run accepted while first still active")
	}

	close(fetcher.block)
	collect(t, outcomes)

	// After the first run finishes a new one is accepted.
	fetcher.block = nil
	fetcher.started = nil
	outcomes2, err := eng.Run(context.Background(), placeIDs(2), 1)
	if err != nil {
		t.Fatalf("Run after completion failed: %v", err)
	}
	collect(t, outcomes2)
}

func TestRunRejectsInvalidConcurrency(t *testing.T) {
	st, _ := newTestStore(t)
	eng := New(&fakeFetcher{}, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 0)

	if _, err := eng.Run(context.Background(), placeIDs(1), 0); err == nil {
		t.Error("Run accepted zero concurrency")
	}
}

func TestMaxPhotosCapsFetches(t *testing.T) {
	st, _ := newTestStore(t)
	fetcher := &fakeFetcher{photos: 10}
	eng := New(fetcher, fakeGenerator{}, st, quota.NewLedger(1000, nil), ratelimit.NewPerWorker(0), 3)

	outcomes, err := eng.Run(context.Background(), placeIDs(1), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	collect(t, outcomes)

	if _, photos := fetcher.calls(); photos != 3 {
		t.Errorf("fetched %d photos, want 3", photos)
	}
}
