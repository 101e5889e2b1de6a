package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/packlane/packlane/internal/testutil"
)

// redisEngine connects to REDIS_URL or skips. Keys are namespaced per test
// run via a fresh tenant and run id, so no flushing is needed.
func redisEngine(t *testing.T) *RedisEngine {
	t.Helper()
	return NewRedisEngine(testutil.RedisTest(t), time.Hour)
}

func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s_%s_%d", prefix, t.Name(), time.Now().UnixNano())
}

func TestRedisReserveSettle(t *testing.T) {
	e := redisEngine(t)
	ctx := context.Background()
	tenantID := uniqueID(t, "ten")
	runID := uniqueID(t, "run")

	if err := e.SetBalance(ctx, tenantID, 100_000_000); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}

	bal, err := e.Reserve(ctx, tenantID, runID, 2_000_000)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if bal != 98_000_000 {
		t.Fatalf("balance after reserve = %d, want 98000000", bal)
	}

	// Idempotent replay with the same amount.
	if _, err := e.Reserve(ctx, tenantID, runID, 2_000_000); err != nil {
		t.Fatalf("replay reserve failed: %v", err)
	}
	// Different amount on the same run is rejected.
	if _, err := e.Reserve(ctx, tenantID, runID, 3_000_000); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("mismatched replay = %v, want ErrDuplicate", err)
	}

	res, err := e.Settle(ctx, tenantID, runID, 1_300_000)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.Charge != 1_300_000 || res.Refund != 700_000 || res.NewBalance != 98_700_000 {
		t.Fatalf("settle result = %+v", res)
	}

	// Settle is not idempotent: the reservation is gone.
	if _, err := e.Settle(ctx, tenantID, runID, 1_300_000); !errors.Is(err, ErrNoReserve) {
		t.Fatalf("second settle = %v, want ErrNoReserve", err)
	}
}

func TestRedisSoftLimit(t *testing.T) {
	e := redisEngine(t)
	ctx := context.Background()
	tenantID := uniqueID(t, "ten")

	if err := e.SetBalance(ctx, tenantID, 1_000_000); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}

	if _, err := e.Reserve(ctx, tenantID, uniqueID(t, "run"), 2_000_000); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("over-budget reserve = %v, want ErrInsufficient", err)
	}

	// A negative soft limit lets the balance go below zero on reserve.
	if err := e.SetSoftLimit(ctx, tenantID, -5_000_000); err != nil {
		t.Fatalf("SetSoftLimit failed: %v", err)
	}
	bal, err := e.Reserve(ctx, tenantID, uniqueID(t, "run"), 2_000_000)
	if err != nil {
		t.Fatalf("soft-limit reserve failed: %v", err)
	}
	if bal != -1_000_000 {
		t.Fatalf("balance = %d, want -1000000", bal)
	}
}

func TestRedisConcurrentSettleSingleWinner(t *testing.T) {
	e := redisEngine(t)
	ctx := context.Background()
	tenantID := uniqueID(t, "ten")
	runID := uniqueID(t, "run")

	if err := e.SetBalance(ctx, tenantID, 100_000_000); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
	if _, err := e.Reserve(ctx, tenantID, runID, 2_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	const actors = 16
	var wg sync.WaitGroup
	wins := make(chan Result, actors)
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := e.Settle(ctx, tenantID, runID, 1_000_000); err == nil {
				wins <- res
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("settle winners = %d, want exactly 1", winners)
	}

	bal, err := e.Balance(ctx, tenantID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal != 99_000_000 {
		t.Fatalf("balance = %d, want 99000000", bal)
	}
}

func TestRedisReservationExpiry(t *testing.T) {
	// Millisecond TTL so the reservation is gone by the time we settle.
	e := NewRedisEngine(testutil.RedisTest(t), 50*time.Millisecond)
	ctx := context.Background()
	tenantID := uniqueID(t, "ten")
	runID := uniqueID(t, "run")

	if err := e.SetBalance(ctx, tenantID, 10_000_000); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
	if _, err := e.Reserve(ctx, tenantID, runID, 2_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := e.Settle(ctx, tenantID, runID, 1_000_000); !errors.Is(err, ErrNoReserve) {
		t.Fatalf("settle after expiry = %v, want ErrNoReserve", err)
	}
}
