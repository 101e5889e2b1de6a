package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/packlane/packlane/internal/run"
)

// heartbeat extends a run's lease while the executor works. Each extension
// is a CAS conditioned on the lease token still being ours; losing that
// condition means the reaper took the run, and the execution is cancelled
// so the worker stops burning money on a run it can no longer finalize.
type heartbeat struct {
	runs     run.Store
	runID    string
	lease    string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

func newHeartbeat(runs run.Store, runID, lease string, ttl, interval time.Duration, logger *slog.Logger) *heartbeat {
	return &heartbeat{
		runs:     runs,
		runID:    runID,
		lease:    lease,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}, 1),
	}
}

// run extends the lease until stopped. Call in a goroutine; cancel aborts
// the execution when the lease is lost.
func (h *heartbeat) run(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if !h.extend(ctx) {
				h.logger.Warn("lease lost during execution, aborting")
				cancel()
				return
			}
		}
	}
}

func (h *heartbeat) stop() {
	select {
	case h.done <- struct{}{}:
	default:
	}
}

// extend pushes the lease expiry forward. Returns false only when the lease
// is provably no longer ours; transient errors keep the heartbeat alive and
// the next tick retries.
func (h *heartbeat) extend(ctx context.Context) bool {
	r, err := h.runs.Get(ctx, h.runID)
	if err != nil {
		h.logger.Warn("heartbeat read failed", "error", err)
		return true
	}
	if r.LeaseToken != h.lease {
		return false
	}

	expires := time.Now().UTC().Add(h.ttl)
	ok, err := h.runs.CASUpdate(ctx, h.runID, r.Version, run.Updates{
		LeaseExpiresAt: &expires,
	}, run.Eq(run.FieldLeaseToken, h.lease))
	if err != nil {
		h.logger.Warn("heartbeat update failed", "error", err)
		return true
	}
	if !ok {
		// A plain version miss is fine; re-check next tick.
		fresh, err := h.runs.Get(ctx, h.runID)
		if err != nil {
			return true
		}
		return fresh.LeaseToken == h.lease
	}
	return true
}
