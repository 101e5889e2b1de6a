package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs the recovery sweeps.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer. The interval must be shorter than the
// stuck threshold; config validation enforces that.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciler sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if n, err := t.service.SweepExpiredLeases(ctx); err != nil {
		t.logger.Warn("expired lease sweep failed", "error", err)
	} else if n > 0 {
		t.logger.Info("expired lease sweep done", "recovered", n)
	}

	if n, err := t.service.SweepStuckClaimed(ctx); err != nil {
		t.logger.Warn("stuck claim sweep failed", "error", err)
	} else if n > 0 {
		t.logger.Info("stuck claim sweep done", "recovered", n)
	}

	if _, err := t.service.SweepAudit(ctx); err != nil {
		t.logger.Warn("audit sweep failed", "error", err)
	}
}
