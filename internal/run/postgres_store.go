package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/packlane/packlane/internal/money"
)

// PostgresStore persists run records in PostgreSQL. Single-row UPDATE
// atomicity is what makes CASUpdate linearizable per run.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const runColumns = `run_id, tenant_id, version, status, money_state, finalize_stage,
	       finalize_token, finalize_claimed_at, lease_token, lease_expires_at,
	       pack_spec, idempotency_key, reservation_max_cost_micros,
	       actual_cost_micros, minimum_fee_micros, result_key, result_hash,
	       last_error_reason_code, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, tenant_id, version, status, money_state, finalize_stage,
			finalize_token, finalize_claimed_at, lease_token, lease_expires_at,
			pack_spec, idempotency_key, reservation_max_cost_micros,
			actual_cost_micros, minimum_fee_micros, result_key, result_hash,
			last_error_reason_code, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		r.ID, r.TenantID, r.Version, string(r.Status), string(r.MoneyState), string(r.FinalizeStage),
		nullString(r.FinalizeToken), nullTime(r.FinalizeClaimedAt),
		nullString(r.LeaseToken), nullTime(r.LeaseExpiresAt),
		r.PackSpec, nullString(r.IdempotencyKey), int64(r.ReservationMaxCost),
		nullMicros(r.ActualCost), int64(r.MinimumFee),
		nullString(r.ResultKey), nullString(r.ResultHash),
		nullString(r.LastErrorReasonCode), r.CreatedAt, r.UpdatedAt,
	)
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "idempotency") {
			return ErrIdempotencyConflict
		}
		return ErrRunExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*Run, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// condColumns maps condition field names to real columns. Conditions outside
// this map are a programming error, not user input.
var condColumns = map[string]string{
	FieldStatus:            "status",
	FieldMoneyState:        "money_state",
	FieldFinalizeStage:     "finalize_stage",
	FieldFinalizeToken:     "finalize_token",
	FieldFinalizeClaimedAt: "finalize_claimed_at",
	FieldLeaseToken:        "lease_token",
}

func (p *PostgresStore) CASUpdate(ctx context.Context, runID string, expectedVersion int64, u Updates, conds ...Condition) (bool, error) {
	set := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{runID, expectedVersion}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Status != nil {
		set = append(set, "status = "+arg(string(*u.Status)))
	}
	if u.MoneyState != nil {
		set = append(set, "money_state = "+arg(string(*u.MoneyState)))
	}
	if u.FinalizeStage != nil {
		set = append(set, "finalize_stage = "+arg(string(*u.FinalizeStage)))
	}
	if u.FinalizeToken != nil {
		set = append(set, "finalize_token = "+arg(nullString(*u.FinalizeToken)))
	}
	if u.FinalizeClaimedAt != nil {
		set = append(set, "finalize_claimed_at = "+arg(*u.FinalizeClaimedAt))
	}
	if u.LeaseToken != nil {
		set = append(set, "lease_token = "+arg(nullString(*u.LeaseToken)))
	}
	if u.LeaseExpiresAt != nil {
		set = append(set, "lease_expires_at = "+arg(*u.LeaseExpiresAt))
	}
	if u.ActualCost != nil {
		set = append(set, "actual_cost_micros = "+arg(int64(*u.ActualCost)))
	}
	if u.ResultKey != nil {
		set = append(set, "result_key = "+arg(nullString(*u.ResultKey)))
	}
	if u.ResultHash != nil {
		set = append(set, "result_hash = "+arg(nullString(*u.ResultHash)))
	}
	if u.LastErrorReasonCode != nil {
		set = append(set, "last_error_reason_code = "+arg(nullString(*u.LastErrorReasonCode)))
	}

	where := []string{"run_id = $1", "version = $2"}
	for _, c := range conds {
		col, ok := condColumns[c.Field]
		if !ok {
			return false, fmt.Errorf("cas update: unknown condition field %q", c.Field)
		}
		switch c.Op {
		case OpEq:
			// The memory twin stores absent tokens as "", this store as
			// NULL; an empty-string equality must match NULL columns.
			if s, isStr := condValue(c.Value).(string); isStr && s == "" {
				where = append(where, col+" IS NULL")
				continue
			}
			where = append(where, col+" = "+arg(condValue(c.Value)))
		case OpLt:
			where = append(where, col+" < "+arg(c.Value))
		default:
			return false, fmt.Errorf("cas update: unknown condition op %q", c.Op)
		}
	}

	query := "UPDATE runs SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ")

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	// 0 rows means the version moved or a condition failed: the caller
	// lost the race.
	return rows == 1, nil
}

func (p *PostgresStore) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = 'PROCESSING'
		  AND lease_expires_at < $1
		ORDER BY lease_expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRuns(rows)
}

func (p *PostgresStore) ScanStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE finalize_stage = 'CLAIMED'
		  AND finalize_claimed_at < $1
		ORDER BY finalize_claimed_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRuns(rows)
}

func (p *PostgresStore) ScanAuditRequired(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE money_state = 'AUDIT_REQUIRED'
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRuns(rows)
}

func (p *PostgresStore) UsageDaily(ctx context.Context, tenantID string, from, to time.Time) ([]UsageDay, error) {
	start := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	rows, err := p.db.QueryContext(ctx, `
		SELECT
			date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status IN ('FAILED', 'EXPIRED')),
			COALESCE(SUM(actual_cost_micros) FILTER (WHERE money_state = 'SETTLED'), 0),
			COALESCE(SUM(reservation_max_cost_micros), 0)
		FROM runs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY day
		ORDER BY day`, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []UsageDay
	for rows.Next() {
		var u UsageDay
		var settled, reserved int64
		if err := rows.Scan(&u.Date, &u.Runs, &u.Completed, &u.Failed, &settled, &reserved); err != nil {
			return nil, err
		}
		u.Date = u.Date.UTC()
		u.SettledCost = money.Micros(settled)
		u.ReservedCost = money.Micros(reserved)
		result = append(result, u)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	r := &Run{}
	var (
		status            string
		moneyState        string
		finalizeStage     string
		finalizeToken     sql.NullString
		finalizeClaimedAt sql.NullTime
		leaseToken        sql.NullString
		leaseExpiresAt    sql.NullTime
		idempotencyKey    sql.NullString
		reservationMax    int64
		actualCost        sql.NullInt64
		minimumFee        int64
		resultKey         sql.NullString
		resultHash        sql.NullString
		lastError         sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.TenantID, &r.Version, &status, &moneyState, &finalizeStage,
		&finalizeToken, &finalizeClaimedAt, &leaseToken, &leaseExpiresAt,
		&r.PackSpec, &idempotencyKey, &reservationMax,
		&actualCost, &minimumFee, &resultKey, &resultHash,
		&lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.MoneyState = MoneyState(moneyState)
	r.FinalizeStage = FinalizeStage(finalizeStage)
	r.FinalizeToken = finalizeToken.String
	r.LeaseToken = leaseToken.String
	r.IdempotencyKey = idempotencyKey.String
	r.ReservationMaxCost = money.Micros(reservationMax)
	r.MinimumFee = money.Micros(minimumFee)
	r.ResultKey = resultKey.String
	r.ResultHash = resultHash.String
	r.LastErrorReasonCode = lastError.String
	if finalizeClaimedAt.Valid {
		r.FinalizeClaimedAt = &finalizeClaimedAt.Time
	}
	if leaseExpiresAt.Valid {
		r.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if actualCost.Valid {
		m := money.Micros(actualCost.Int64)
		r.ActualCost = &m
	}

	return r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// condValue normalizes condition values so enum types compare as text.
func condValue(v any) any {
	switch t := v.(type) {
	case Status:
		return string(t)
	case MoneyState:
		return string(t)
	case FinalizeStage:
		return string(t)
	default:
		return v
	}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullMicros converts a *money.Micros to sql.NullInt64.
func nullMicros(m *money.Micros) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*m), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
