// Package quota tracks and bounds upstream API calls per calendar day.
package quota

import (
	"database/sql"
	"sync"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// Store persists the current day's quota record. A nil Store keeps the
// ledger purely in memory.
type Store interface {
	GetQuotaDay(day string) (*models.QuotaRecord, error)
	UpsertQuotaDay(rec *models.QuotaRecord) error
}

// Ledger is the process-wide admission counter for upstream calls.
// All mutation happens under one mutex so concurrent TryAdmit calls are
// linearizable: the last slot is never double-spent.
type Ledger struct {
	mu      sync.Mutex
	day     string
	used    int
	ceiling int
	store   Store
	nowFn   func() time.Time
}

// NewLedger creates a Ledger for the given daily ceiling, restoring today's
// spend from the store if one is present.
func NewLedger(ceiling int, store Store) *Ledger {
	l := &Ledger{
		ceiling: ceiling,
		store:   store,
		nowFn:   time.Now,
	}
	l.day = l.today()

	if store != nil {
		rec, err := store.GetQuotaDay(l.day)
		if err == nil {
			l.used = rec.Used
		} else if err != sql.ErrNoRows {
			logging.Warn("failed to restore quota record, starting from zero",
				map[string]interface{}{"day": l.day, "error": err.Error()})
		}
	}
	return l
}

// TryAdmit admits cost upstream calls if the daily ceiling allows it.
// Denial is non-blocking; callers must treat it as quota exhaustion, not
// retry. Admission and increment are one critical section.
func (l *Ledger) TryAdmit(cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetLocked()

	if l.used+cost > l.ceiling {
		return false
	}
	l.used += cost
	l.persistLocked()
	return true
}

// Remaining returns how many calls may still be admitted today.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetLocked()

	if l.used >= l.ceiling {
		return 0
	}
	return l.ceiling - l.used
}

// Used returns the number of calls consumed today.
func (l *Ledger) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetLocked()
	return l.used
}

// Record returns a copy of the current quota record.
func (l *Ledger) Record() models.QuotaRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetLocked()
	return models.QuotaRecord{Day: l.day, Used: l.used, Ceiling: l.ceiling}
}

// ResetIfNewDay resets the counter when the calendar day has rolled over.
// Safe to call from a cron entry and from every admission check.
func (l *Ledger) ResetIfNewDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

// resetLocked rolls the counter to a fresh day. Caller holds l.mu.
func (l *Ledger) resetLocked() {
	today := l.today()
	if today == l.day {
		return
	}

	logging.Info("quota day rolled over",
		map[string]interface{}{"prev_day": l.day, "day": today, "prev_used": l.used})

	l.day = today
	l.used = 0
	l.persistLocked()
}

// persistLocked writes the current record through the store. Caller holds l.mu.
// Persistence failures are logged, not surfaced: the in-memory counter stays
// authoritative for the rest of the process lifetime.
func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	rec := &models.QuotaRecord{Day: l.day, Used: l.used, Ceiling: l.ceiling}
	if err := l.store.UpsertQuotaDay(rec); err != nil {
		logging.Error("failed to persist quota record", err,
			map[string]interface{}{"day": l.day, "used": l.used})
	}
}

func (l *Ledger) today() string {
	return l.nowFn().Format(models.QuotaDayFormat)
}
