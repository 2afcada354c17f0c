// Package sweeper runs the keep-alive loop for durable session records:
// every cycle it refreshes the TTL of live records so sessions outlast the
// gaps between client requests, and reclaims orphan records that lost
// their expiry. It touches only metadata, never live connections.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/pkg/metrics"
	"github.com/tidemail/bridge/sessionstore"
)

// SweepStore is the slice of the session store the sweeper needs. Narrow
// on purpose, for mocking in tests.
type SweepStore interface {
	ListIdentities(ctx context.Context, prefix string) ([]string, error)
	RemainingTTL(ctx context.Context, identity string) (time.Duration, sessionstore.TTLState, error)
	RefreshTTL(ctx context.Context, identity string, ttl time.Duration) error
	Remove(ctx context.Context, identity string) error
	Ping(ctx context.Context) error
}

// CycleStats summarizes one sweep.
type CycleStats struct {
	Scanned   int
	Refreshed int
	Orphans   int
	Failures  int
	Elapsed   time.Duration
}

type Worker struct {
	store    SweepStore
	interval time.Duration
	ttl      time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a keep-alive worker. Interval is how often records are
// refreshed, ttl is the expiry each refresh re-arms.
func New(store SweepStore, interval, ttl time.Duration) *Worker {
	return &Worker{
		store:    store,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start verifies store connectivity once, then runs the sweep loop in a
// goroutine until the context is cancelled or Stop is called. The startup
// ping failing is fatal: a sweeper that cannot reach the store keeps no
// sessions alive.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}

	interval := w.interval
	if maxInterval := w.ttl / 10; interval > maxInterval {
		log.Printf("[SWEEPER] WARNING: interval %v exceeds a tenth of the %v TTL, clamping to %v",
			interval, w.ttl, maxInterval)
		interval = maxInterval
	}

	log.Printf("[SWEEPER] worker starting with interval: %v, session TTL: %v", interval, w.ttl)
	go func() {
		defer close(w.done)
		for {
			cycleStart := time.Now()
			stats := w.runOnce(ctx)
			if stats.Scanned > 0 || stats.Failures > 0 {
				log.Printf("[SWEEPER] cycle done: %d scanned, %d refreshed, %d orphans removed, %d failures in %v",
					stats.Scanned, stats.Refreshed, stats.Orphans, stats.Failures, stats.Elapsed)
			}

			// Cycle time counts against the interval so refreshes stay on
			// schedule even when a sweep is slow.
			sleep := interval - time.Since(cycleStart)
			if sleep < 0 {
				sleep = 0
			}
			select {
			case <-ctx.Done():
				log.Println("[SWEEPER] worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				log.Println("[SWEEPER] worker stopped due to stop signal")
				return
			case <-time.After(sleep):
			}
		}
	}()
	return nil
}

// Stop signals the worker to stop and waits for any in-flight sweep to
// finish. Only valid after a successful Start.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
}

// runOnce sweeps every current record. One identity failing never stops
// the cycle: the rest still get their refresh.
func (w *Worker) runOnce(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{}

	identities, err := w.store.ListIdentities(ctx, "")
	if err != nil {
		log.Printf("[SWEEPER] failed to list session records: %v", err)
		metrics.SweepFailuresTotal.Inc()
		stats.Failures++
		stats.Elapsed = time.Since(start)
		return stats
	}
	stats.Scanned = len(identities)

	for _, identity := range identities {
		_, state, err := w.store.RemainingTTL(ctx, identity)
		if err != nil {
			log.Printf("[SWEEPER] failed to read TTL for %s: %v", helpers.HashIdentity(identity), err)
			metrics.SweepFailuresTotal.Inc()
			stats.Failures++
			continue
		}
		switch state {
		case sessionstore.TTLAbsent:
			// Expired between list and read. Nothing to do.
		case sessionstore.TTLNone:
			// A record without expiry would be kept alive forever.
			if err := w.store.Remove(ctx, identity); err != nil {
				log.Printf("[SWEEPER] failed to remove orphan record for %s: %v", helpers.HashIdentity(identity), err)
				metrics.SweepFailuresTotal.Inc()
				stats.Failures++
				continue
			}
			log.Printf("[SWEEPER] removed orphan record for %s", helpers.HashIdentity(identity))
			metrics.SweepOrphansCleaned.Inc()
			stats.Orphans++
		case sessionstore.TTLSet:
			if err := w.store.RefreshTTL(ctx, identity, w.ttl); err != nil {
				log.Printf("[SWEEPER] failed to refresh TTL for %s: %v", helpers.HashIdentity(identity), err)
				metrics.SweepFailuresTotal.Inc()
				stats.Failures++
				continue
			}
			metrics.SweepRefreshedTotal.Inc()
			stats.Refreshed++
		}
	}

	metrics.SweepCyclesTotal.Inc()
	stats.Elapsed = time.Since(start)
	return stats
}
