// Package progress aggregates sync run state into periodic snapshots that
// UI clients can subscribe to.
package progress

import (
	"sync"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// subscriberBuffer bounds each subscriber channel. When a slow consumer
// falls behind, the oldest snapshot in its buffer is dropped; the latest
// state always gets through.
const subscriberBuffer = 16

// defaultHeartbeat is the idle emission interval during an active run.
const defaultHeartbeat = 2 * time.Second

// QuotaSource reports remaining daily budget.
type QuotaSource interface {
	Used() int
	Remaining() int
}

// StorageSource reports bytes held on disk.
type StorageSource interface {
	StorageBytes() int64
}

// Snapshot is one point-in-time view of a sync run.
type Snapshot struct {
	Running        bool      `json:"running"`
	Total          int       `json:"total"`
	Completed      int       `json:"completed"`
	Succeeded      int       `json:"succeeded"`
	Deferred       int       `json:"deferred"`
	Failed         int       `json:"failed"`
	CurrentPlaceID string    `json:"current_place_id,omitempty"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	EstimateMS     int64     `json:"estimate_ms"`
	QuotaUsed      int       `json:"quota_used"`
	QuotaRemaining int       `json:"quota_remaining"`
	StorageBytes   int64     `json:"storage_bytes"`
	At             time.Time `json:"at"`
}

// Reporter implements the engine observer interface and fans snapshots out
// to any number of subscribers. Emission never blocks the engine.
type Reporter struct {
	quota   QuotaSource
	storage StorageSource

	mu          sync.Mutex
	running     bool
	total       int
	completed   int
	succeeded   int
	deferredN   int
	failedN     int
	current     string
	startedAt   time.Time
	subscribers map[chan Snapshot]struct{}
	heartbeat   *time.Ticker
	stopBeat    chan struct{}
}

// NewReporter creates a Reporter.
func NewReporter(quota QuotaSource, storage StorageSource) *Reporter {
	return &Reporter{
		quota:       quota,
		storage:     storage,
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// Subscribe registers a snapshot consumer. The returned cancel function
// must be called when the consumer goes away; it closes the channel.
func (r *Reporter) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	// Seed the new subscriber with the current state.
	ch <- snap

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subscribers[ch]; ok {
			delete(r.subscribers, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Current returns the latest snapshot without subscribing.
func (r *Reporter) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// RunStarted resets the counters for a fresh run.
func (r *Reporter) RunStarted(total int) {
	r.mu.Lock()
	r.running = true
	r.total = total
	r.completed = 0
	r.succeeded = 0
	r.deferredN = 0
	r.failedN = 0
	r.current = ""
	r.startedAt = time.Now()

	r.heartbeat = time.NewTicker(defaultHeartbeat)
	r.stopBeat = make(chan struct{})
	go r.beat(r.heartbeat, r.stopBeat)

	r.broadcastLocked()
	r.mu.Unlock()
}

// ItemStarted records the identifier a worker just claimed.
func (r *Reporter) ItemStarted(placeID string) {
	r.mu.Lock()
	r.current = placeID
	r.broadcastLocked()
	r.mu.Unlock()
}

// ItemFinished tallies one outcome.
func (r *Reporter) ItemFinished(outcome models.SyncOutcome) {
	r.mu.Lock()
	r.completed++
	switch outcome.Status {
	case models.OutcomeSuccess:
		r.succeeded++
	case models.OutcomeDeferred:
		r.deferredN++
	case models.OutcomeFailed:
		r.failedN++
	}
	if r.current == outcome.PlaceID {
		r.current = ""
	}
	r.broadcastLocked()
	r.mu.Unlock()
}

// RunFinished marks the run complete and stops the heartbeat.
func (r *Reporter) RunFinished() {
	r.mu.Lock()
	r.running = false
	r.current = ""
	if r.stopBeat != nil {
		close(r.stopBeat)
		r.stopBeat = nil
	}
	r.broadcastLocked()
	r.mu.Unlock()
}

// beat emits snapshots on a timer so subscribers see motion even while a
// slow item is in flight.
func (r *Reporter) beat(ticker *time.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.broadcastLocked()
			r.mu.Unlock()
		}
	}
}

// snapshotLocked assembles the current view. Caller holds r.mu.
func (r *Reporter) snapshotLocked() Snapshot {
	snap := Snapshot{
		Running:        r.running,
		Total:          r.total,
		Completed:      r.completed,
		Succeeded:      r.succeeded,
		Deferred:       r.deferredN,
		Failed:         r.failedN,
		CurrentPlaceID: r.current,
		At:             time.Now(),
	}
	if r.quota != nil {
		snap.QuotaUsed = r.quota.Used()
		snap.QuotaRemaining = r.quota.Remaining()
	}
	if r.storage != nil {
		snap.StorageBytes = r.storage.StorageBytes()
	}
	if r.running {
		elapsed := time.Since(r.startedAt)
		snap.ElapsedMS = elapsed.Milliseconds()
		if r.completed > 0 && r.completed < r.total {
			perItem := elapsed / time.Duration(r.completed)
			snap.EstimateMS = (perItem * time.Duration(r.total-r.completed)).Milliseconds()
		}
	}
	return snap
}

// broadcastLocked fans the current snapshot out to every subscriber
// without blocking. A full buffer sheds its oldest entry first.
func (r *Reporter) broadcastLocked() {
	snap := r.snapshotLocked()
	for ch := range r.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the oldest buffered snapshot and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
