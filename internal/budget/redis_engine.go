package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/packlane/packlane/internal/money"
)

// Key layout (the only keys in this namespace):
//   budget:{tenant}:balance_micros     string int
//   budget:{tenant}:soft_limit_micros  string int (absent = 0)
//   reserve:{run_id}                   hash {tenant_id, reserved_micros, created_at_ms}, TTL = reservation TTL

// reserveScript atomically checks the soft limit, debits the balance, and
// creates the reservation. Replaying with the same amount is a no-op OK;
// a different amount is rejected.
var reserveScript = redis.NewScript(`
local balance_key = KEYS[1]
local limit_key = KEYS[2]
local reserve_key = KEYS[3]
local tenant_id = ARGV[1]
local amount = tonumber(ARGV[2])
local created_at_ms = ARGV[3]
local ttl_ms = tonumber(ARGV[4])

if redis.call("EXISTS", reserve_key) == 1 then
  local prev = tonumber(redis.call("HGET", reserve_key, "reserved_micros") or "0")
  if prev == amount then
    local bal = tonumber(redis.call("GET", balance_key) or "0")
    return {"OK", tostring(bal)}
  end
  return {"ERR_DUPLICATE"}
end

local bal = tonumber(redis.call("GET", balance_key) or "0")
local limit = tonumber(redis.call("GET", limit_key) or "0")
if bal - amount < limit then
  return {"ERR_INSUFFICIENT", tostring(bal)}
end

bal = bal - amount
redis.call("SET", balance_key, tostring(bal))
redis.call("HSET", reserve_key,
  "tenant_id", tenant_id,
  "reserved_micros", tostring(amount),
  "created_at_ms", created_at_ms)
redis.call("PEXPIRE", reserve_key, ttl_ms)
return {"OK", tostring(bal)}
`)

// settleScript consumes the reservation: charge = min(actual, reserved),
// refund = reserved - charge credited back, reservation deleted. The charge
// is clamped into [0, reserved] so a bad caller can neither overcharge nor
// drive the balance negative.
var settleScript = redis.NewScript(`
local balance_key = KEYS[1]
local reserve_key = KEYS[2]
local charge = tonumber(ARGV[1])

if redis.call("EXISTS", reserve_key) ~= 1 then
  return {"ERR_NO_RESERVE"}
end

local reserved = tonumber(redis.call("HGET", reserve_key, "reserved_micros") or "0")

if charge < 0 then
  charge = 0
end
if charge > reserved then
  charge = reserved
end

local refund = reserved - charge

local bal = tonumber(redis.call("GET", balance_key) or "0")
bal = bal + refund

redis.call("SET", balance_key, tostring(bal))
redis.call("DEL", reserve_key)
return {"OK", tostring(charge), tostring(refund), tostring(bal)}
`)

// RedisEngine is the production budget engine backed by Redis Lua scripts.
type RedisEngine struct {
	rdb            *redis.Client
	reservationTTL time.Duration
}

// NewRedisEngine creates a Redis-backed budget engine. reservationTTL must be
// the same value the reconciler uses for its TTL safety check.
func NewRedisEngine(rdb *redis.Client, reservationTTL time.Duration) *RedisEngine {
	return &RedisEngine{rdb: rdb, reservationTTL: reservationTTL}
}

func balanceKey(tenantID string) string { return "budget:" + tenantID + ":balance_micros" }
func limitKey(tenantID string) string   { return "budget:" + tenantID + ":soft_limit_micros" }
func reserveKey(runID string) string    { return "reserve:" + runID }

func (e *RedisEngine) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros) (money.Micros, error) {
	bal, err := e.reserve(ctx, tenantID, runID, amount)
	recordOp("reserve", err)
	return bal, err
}

func (e *RedisEngine) reserve(ctx context.Context, tenantID, runID string, amount money.Micros) (money.Micros, error) {
	res, err := reserveScript.Run(ctx, e.rdb,
		[]string{balanceKey(tenantID), limitKey(tenantID), reserveKey(runID)},
		tenantID,
		strconv.FormatInt(int64(amount), 10),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.FormatInt(e.reservationTTL.Milliseconds(), 10),
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("reserve script: %w", err)
	}

	switch scriptStatus(res) {
	case "OK":
		return scriptMicros(res, 1), nil
	case "ERR_INSUFFICIENT":
		return scriptMicros(res, 1), ErrInsufficient
	case "ERR_DUPLICATE":
		return 0, ErrDuplicate
	default:
		return 0, fmt.Errorf("reserve script: unexpected status %v", res)
	}
}

func (e *RedisEngine) Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (Result, error) {
	r, err := e.settle(ctx, tenantID, runID, actual)
	recordOp("settle", err)
	return r, err
}

func (e *RedisEngine) Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (Result, error) {
	r, err := e.settle(ctx, tenantID, runID, minimumFee)
	recordOp("refund", err)
	return r, err
}

func (e *RedisEngine) settle(ctx context.Context, tenantID, runID string, charge money.Micros) (Result, error) {
	res, err := settleScript.Run(ctx, e.rdb,
		[]string{balanceKey(tenantID), reserveKey(runID)},
		strconv.FormatInt(int64(charge), 10),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("settle script: %w", err)
	}

	switch scriptStatus(res) {
	case "OK":
		return Result{
			Charge:     scriptMicros(res, 1),
			Refund:     scriptMicros(res, 2),
			NewBalance: scriptMicros(res, 3),
		}, nil
	case "ERR_NO_RESERVE":
		return Result{}, ErrNoReserve
	default:
		return Result{}, fmt.Errorf("settle script: unexpected status %v", res)
	}
}

func (e *RedisEngine) GetReservation(ctx context.Context, runID string) (*Reservation, error) {
	data, err := e.rdb.HGetAll(ctx, reserveKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	amount, _ := strconv.ParseInt(data["reserved_micros"], 10, 64)
	createdMs, _ := strconv.ParseInt(data["created_at_ms"], 10, 64)
	return &Reservation{
		TenantID:  data["tenant_id"],
		RunID:     runID,
		Amount:    money.Micros(amount),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}, nil
}

func (e *RedisEngine) Balance(ctx context.Context, tenantID string) (money.Micros, error) {
	val, err := e.rdb.Get(ctx, balanceKey(tenantID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", val, err)
	}
	return money.Micros(n), nil
}

func (e *RedisEngine) SetBalance(ctx context.Context, tenantID string, balance money.Micros) error {
	return e.rdb.Set(ctx, balanceKey(tenantID), strconv.FormatInt(int64(balance), 10), 0).Err()
}

func (e *RedisEngine) SetSoftLimit(ctx context.Context, tenantID string, limit money.Micros) error {
	return e.rdb.Set(ctx, limitKey(tenantID), strconv.FormatInt(int64(limit), 10), 0).Err()
}

// scriptStatus extracts the status element from a Lua script reply.
func scriptStatus(res []interface{}) string {
	if len(res) == 0 {
		return ""
	}
	s, _ := res[0].(string)
	return s
}

// scriptMicros extracts an integer money value from a Lua script reply.
func scriptMicros(res []interface{}, i int) money.Micros {
	if i >= len(res) {
		return 0
	}
	s, _ := res[i].(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return money.Micros(n)
}

// Compile-time assertion that RedisEngine implements Engine.
var _ Engine = (*RedisEngine)(nil)
