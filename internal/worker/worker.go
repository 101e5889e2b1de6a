// Package worker executes dispatched runs.
//
// A worker claims a run by flipping it QUEUED to PROCESSING under a lease
// token, heartbeats the lease while the executor runs, uploads the result
// artifact, and then hands off to the finalize protocol. Every claim is a
// CAS, so a redelivered or duplicated dispatch message loses the claim and
// walks away without side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/circuitbreaker"
	"github.com/packlane/packlane/internal/finalize"
	"github.com/packlane/packlane/internal/idgen"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/queue"
	"github.com/packlane/packlane/internal/retry"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/storage"
	"github.com/packlane/packlane/internal/syncutil"
)

// Reason codes written by worker-side failures.
const (
	ReasonBadPackSpec     = "BAD_PACK_SPEC"
	ReasonUnknownPackType = "UNKNOWN_PACK_TYPE"
	ReasonExecutorError   = "EXECUTOR_ERROR"
	ReasonExecutorTimeout = "EXECUTOR_TIMEOUT"
	ReasonUploadFailed    = "UPLOAD_FAILED"
)

const receiveWait = 20 * time.Second

// Executor failures trip a per-pack-type circuit. While open, dispatches for
// that pack type stay on the queue instead of burning minimum fees.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

const (
	uploadAttempts  = 3
	uploadBaseDelay = 500 * time.Millisecond
)

// Worker is the run execution loop.
type Worker struct {
	runs      run.Store
	objects   storage.ObjectStore
	queue     queue.Queue
	executors Registry
	fin       *finalize.Protocol
	breaker   *circuitbreaker.Breaker

	// runLocks serializes duplicate deliveries of the same run within this
	// process so they resolve by run state instead of a lease race.
	runLocks syncutil.ShardedMutex

	leaseTTL          time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// New creates a worker.
func New(runs run.Store, engine budget.Engine, objects storage.ObjectStore, q queue.Queue, executors Registry, leaseTTL, heartbeatInterval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		runs:      runs,
		objects:   objects,
		queue:     q,
		executors: executors,
		fin:       finalize.New(runs, engine, "worker", logger),
		breaker:   circuitbreaker.New(breakerThreshold, breakerOpenFor),

		leaseTTL:          leaseTTL,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "worker"),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "lease_ttl", w.leaseTTL)
	for {
		if err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				w.logger.Info("worker stopped")
				return
			}
			w.logger.Warn("receive failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// RunOnce polls once and processes every delivered message.
func (w *Worker) RunOnce(ctx context.Context) error {
	msgs, err := w.queue.Receive(ctx, 1, receiveWait)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		w.handle(ctx, msg)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	ctx = logging.WithRunID(ctx, msg.RunID)
	logger := w.logger.With("run_id", msg.RunID, "tenant_id", msg.TenantID)

	unlock := w.runLocks.Lock(msg.RunID)
	defer unlock()

	done, err := w.process(ctx, logger, msg)
	if err != nil {
		logger.Error("process run failed", "error", err)
	}
	if done {
		if err := w.queue.Delete(ctx, msg.Handle); err != nil {
			logger.Warn("delete message failed", "error", err)
		}
	}
	// Otherwise leave the message for redelivery; by the time it comes
	// back the run is terminal and the redelivery acks it.
}

// process executes one dispatch. The bool result reports whether the message
// is finished with, success or not.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, msg queue.Message) (bool, error) {
	if msg.SchemaVersion != queue.SchemaVersion {
		logger.Warn("dropping message with unknown schema", "schema_version", msg.SchemaVersion)
		return true, nil
	}

	r, err := w.runs.Get(ctx, msg.RunID)
	if errors.Is(err, run.ErrNotFound) {
		logger.Warn("dispatch for unknown run, dropping")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if r.Terminal() {
		return true, nil
	}
	if r.Status != run.StatusQueued {
		// Another worker holds it; the lease or the reaper decides.
		return false, nil
	}

	if spec, specErr := ParsePackSpec(r.PackSpec); specErr == nil && !w.breaker.Allow(spec.PackType) {
		logger.Warn("circuit open for pack type, leaving for redelivery", "pack_type", spec.PackType)
		return false, nil
	}

	lease, r, ok, err := w.acquireLease(ctx, r)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug("lease lost to another worker")
		return false, nil
	}
	logger.Info("lease acquired", "lease_token", lease)

	hb := newHeartbeat(w.runs, msg.RunID, lease, w.leaseTTL, w.heartbeatInterval, logger)
	execCtx, cancel := context.WithCancel(ctx)
	go hb.run(execCtx, cancel)
	defer cancel()

	out, reason, execErr := w.execute(execCtx, r)
	hb.stop()

	if execErr != nil {
		logger.Warn("execution failed", "reason", reason, "error", execErr)
		if spec, specErr := ParsePackSpec(r.PackSpec); specErr == nil {
			if reason == ReasonExecutorError || reason == ReasonExecutorTimeout {
				w.breaker.RecordFailure(spec.PackType)
			}
		}
		return w.finish(logger, w.fin.Failure(ctx, r.ID, lease, reason))
	}
	if spec, specErr := ParsePackSpec(r.PackSpec); specErr == nil {
		w.breaker.RecordSuccess(spec.PackType)
	}

	key, hash, err := w.upload(ctx, r, out)
	if err != nil {
		logger.Error("result upload failed", "error", err)
		return w.finish(logger, w.fin.Failure(ctx, r.ID, lease, ReasonUploadFailed))
	}

	err = w.fin.Success(ctx, r.ID, lease, finalize.SuccessResult{
		ActualCost: out.ActualCost,
		ResultKey:  key,
		ResultHash: hash,
	})
	if err == nil {
		logger.Info("run completed", "result_key", key, "actual_cost", out.ActualCost)
	}
	return w.finish(logger, err)
}

// acquireLease flips the run to PROCESSING under a fresh lease token.
func (w *Worker) acquireLease(ctx context.Context, r *run.Run) (string, *run.Run, bool, error) {
	lease := idgen.WithPrefix("lease_")
	status := run.StatusProcessing
	expires := time.Now().UTC().Add(w.leaseTTL)
	ok, err := w.runs.CASUpdate(ctx, r.ID, r.Version, run.Updates{
		Status:         &status,
		LeaseToken:     &lease,
		LeaseExpiresAt: &expires,
	}, run.Eq(run.FieldStatus, run.StatusQueued))
	if err != nil {
		return "", nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", nil, false, nil
	}

	fresh, err := w.runs.Get(ctx, r.ID)
	if err != nil {
		return "", nil, false, fmt.Errorf("reload after lease: %w", err)
	}
	return lease, fresh, true, nil
}

// execute parses the pack spec and runs the executor under the timebox.
func (w *Worker) execute(ctx context.Context, r *run.Run) (Output, string, error) {
	spec, err := ParsePackSpec(r.PackSpec)
	if err != nil {
		return Output{}, ReasonBadPackSpec, err
	}

	exec, ok := w.executors[spec.PackType]
	if !ok {
		return Output{}, ReasonUnknownPackType, fmt.Errorf("no executor for pack type %q", spec.PackType)
	}

	if spec.TimeboxSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeboxSec)*time.Second)
		defer cancel()
	}

	out, err := exec.Execute(ctx, r.ID, spec, r.ReservationMaxCost)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Output{}, ReasonExecutorTimeout, err
		}
		return Output{}, ReasonExecutorError, err
	}

	// Executors estimate; the reservation is the hard ceiling.
	out.ActualCost = money.Min(out.ActualCost, r.ReservationMaxCost)
	return out, "", nil
}

// upload writes the result envelope with the actual cost stamped into object
// metadata for crash recovery.
func (w *Worker) upload(ctx context.Context, r *run.Run, out Output) (string, string, error) {
	spec, _ := ParsePackSpec(r.PackSpec)
	body, hash, err := BuildEnvelope(r, spec.PackType, out, out.ActualCost)
	if err != nil {
		return "", "", err
	}

	key := storage.ResultKey(r.TenantID, r.ID, time.Now())
	err = retry.Do(ctx, uploadAttempts, uploadBaseDelay, func() error {
		return w.objects.Put(ctx, key, body, "application/json; charset=utf-8", storage.CostMetadata(out.ActualCost))
	})
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// finish translates a finalize outcome into message disposition. A committed
// finalize or a race loss both finish the message: either way the run is in
// someone's hands and redelivery would change nothing we are allowed to
// change.
func (w *Worker) finish(logger *slog.Logger, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case finalize.IsRaceLoss(err):
		logger.Debug("finalize lost race", "error", err)
		return true, nil
	default:
		return false, err
	}
}
