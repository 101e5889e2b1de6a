package submit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/queue"
	"github.com/packlane/packlane/internal/run"
)

// failingQueue rejects every enqueue, for compensation tests.
type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(ctx context.Context, msg queue.Message) error {
	return errors.New("transport down")
}

type fixture struct {
	runs   *run.MemoryStore
	engine *budget.MemoryEngine
	queue  *queue.MemoryQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:   run.NewMemoryStore(),
		engine: budget.NewMemoryEngine(time.Hour),
		queue:  queue.NewMemoryQueue(),
	}
	_ = f.engine.SetBalance(context.Background(), "ten_a", 100_000_000)
	return f
}

func (f *fixture) service(q queue.Queue) *Service {
	if q == nil {
		q = f.queue
	}
	return New(f.runs, f.engine, q, 6*time.Minute, 10_000, slog.Default())
}

func request() Request {
	return Request{
		TenantID:       "ten_a",
		IdempotencyKey: "key-12345678",
		PackSpec:       `{"pack_type":"demo"}`,
		MaxCost:        2_000_000,
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, replayed, err := f.service(nil).Submit(ctx, request())
	if err != nil || replayed {
		t.Fatalf("Submit = (%v, %v), want fresh accept", replayed, err)
	}
	if r.Status != run.StatusQueued || r.MoneyState != run.MoneyReserved || r.FinalizeStage != run.StageUnclaimed {
		t.Fatalf("run = %s/%s/%s, want QUEUED/RESERVED/UNCLAIMED", r.Status, r.MoneyState, r.FinalizeStage)
	}
	if r.Version != 1 {
		t.Fatalf("version = %d, want 1", r.Version)
	}

	// Money locked, message dispatched.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 98_000_000 {
		t.Fatalf("balance = %d, want 98000000", bal)
	}
	msgs, err := f.queue.Receive(ctx, 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive = (%d, %v), want 1 message", len(msgs), err)
	}
	msg := msgs[0]
	if msg.RunID != r.ID || msg.TenantID != "ten_a" || msg.SchemaVersion != queue.SchemaVersion {
		t.Fatalf("message = %+v", msg)
	}
	if msg.LeaseTTLSeconds != 360 {
		t.Fatalf("lease ttl = %d, want 360", msg.LeaseTTLSeconds)
	}
}

func TestSubmitReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(nil)

	first, _, err := svc.Submit(ctx, request())
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	again, replayed, err := svc.Submit(ctx, request())
	if err != nil || !replayed {
		t.Fatalf("replay Submit = (%v, %v), want replay", replayed, err)
	}
	if again.ID != first.ID {
		t.Fatalf("replay returned %s, want %s", again.ID, first.ID)
	}

	// No second reservation, no second dispatch.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 98_000_000 {
		t.Fatalf("balance = %d, want unchanged 98000000", bal)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", f.queue.Len())
	}
}

func TestSubmitKeyReuseDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(nil)

	if _, _, err := svc.Submit(ctx, request()); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	req := request()
	req.PackSpec = `{"pack_type":"other"}`
	_, _, err := svc.Submit(ctx, req)
	if !errors.Is(err, run.ErrIdempotencyConflict) {
		t.Fatalf("Submit = %v, want ErrIdempotencyConflict", err)
	}
}

func TestSubmitBudgetExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request()
	req.MaxCost = 200_000_000 // above the tenant balance

	_, _, err := f.service(nil).Submit(ctx, req)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Submit = %v, want ErrBudgetExceeded", err)
	}

	// Nothing persisted, nothing dispatched, nothing charged.
	if _, err := f.runs.GetByIdempotencyKey(ctx, "ten_a", req.IdempotencyKey); !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("run persisted after rejected reserve: %v", err)
	}
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 100_000_000 {
		t.Fatalf("balance = %d, want untouched", bal)
	}
}

func TestSubmitEnqueueFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.service(failingQueue{}).Submit(ctx, request())
	if err == nil {
		t.Fatal("Submit succeeded with a dead transport")
	}

	// Full compensating refund.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 100_000_000 {
		t.Fatalf("balance = %d, want fully refunded", bal)
	}

	// The record survives with the failure visible.
	r, err := f.runs.GetByIdempotencyKey(ctx, "ten_a", "key-12345678")
	if err != nil {
		t.Fatalf("lookup failed run: %v", err)
	}
	if r.Status != run.StatusFailed || r.MoneyState != run.MoneyRefunded {
		t.Fatalf("run = %s/%s, want FAILED/REFUNDED", r.Status, r.MoneyState)
	}
	if r.LastErrorReasonCode != "ENQUEUE_FAILED" {
		t.Fatalf("reason = %q", r.LastErrorReasonCode)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(nil)

	for name, mutate := range map[string]func(*Request){
		"short key":     func(r *Request) { r.IdempotencyKey = "short" },
		"long key":      func(r *Request) { r.IdempotencyKey = string(make([]byte, 65)) },
		"no pack spec":  func(r *Request) { r.PackSpec = "" },
		"zero cost":     func(r *Request) { r.MaxCost = 0 },
		"negative cost": func(r *Request) { r.MaxCost = -1 },
		"no tenant":     func(r *Request) { r.TenantID = "" },
	} {
		req := request()
		mutate(&req)
		if _, _, err := svc.Submit(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: Submit = %v, want ErrInvalidRequest", name, err)
		}
	}
}

func TestMinimumFee(t *testing.T) {
	cases := []struct {
		floor, reserved, want money.Micros
	}{
		{10_000, 2_000_000, 40_000},    // 2% above the floor
		{10_000, 100_000, 10_000},      // floor wins for small reservations
		{10_000, 100_000_000, 100_000}, // capped
		{10_000, 5_000, 5_000},         // never above the reservation
	}
	for _, c := range cases {
		if got := minimumFee(c.floor, c.reserved); got != c.want {
			t.Errorf("minimumFee(%d, %d) = %d, want %d", c.floor, c.reserved, got, c.want)
		}
	}
}
