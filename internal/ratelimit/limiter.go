// Package ratelimit enforces a minimum interval between upstream calls,
// independently per worker. Total upstream rate is therefore bounded by
// concurrency / interval, regardless of quota accounting.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerWorker gates each worker behind its own token bucket with burst 1,
// so no worker issues two calls closer together than the interval.
type PerWorker struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[int]*rate.Limiter
}

// NewPerWorker creates a PerWorker limiter with the given minimum interval.
// A non-positive interval disables pacing.
func NewPerWorker(interval time.Duration) *PerWorker {
	return &PerWorker{
		interval: interval,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Acquire blocks until the minimum interval since the worker's last acquire
// has elapsed, or ctx is done.
func (p *PerWorker) Acquire(ctx context.Context, workerID int) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	return p.limiter(workerID).Wait(ctx)
}

func (p *PerWorker) limiter(workerID int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[workerID]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[workerID] = l
	}
	return l
}
