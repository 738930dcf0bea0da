package models

import "time"

// OutcomeStatus is the per-identifier result of one sync run.
type OutcomeStatus string

const (
	// OutcomeSuccess: the snapshot and asset sets were committed.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeDeferred: quota ran out or the run was cancelled before commit;
	// the item will be picked up by a later run. Prior data is untouched.
	OutcomeDeferred OutcomeStatus = "deferred"
	// OutcomeFailed: retries exhausted or a permanent fault. Prior data is untouched.
	OutcomeFailed OutcomeStatus = "failed"
)

// SyncOutcome is emitted once per identifier per run, in completion order.
type SyncOutcome struct {
	PlaceID    string        `json:"place_id"`
	Status     OutcomeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}
