package run

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory run store for tests and development mode.
// CASUpdate is atomic under the store mutex, matching the single-row
// atomicity the Postgres store gets from UPDATE.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	idem map[string]string // tenantID + "\x00" + key -> runID
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*Run),
		idem: make(map[string]string),
	}
}

func idemKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (m *MemoryStore) Create(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; ok {
		return ErrRunExists
	}
	if r.IdempotencyKey != "" {
		if _, ok := m.idem[idemKey(r.TenantID, r.IdempotencyKey)]; ok {
			return ErrIdempotencyConflict
		}
		m.idem[idemKey(r.TenantID, r.IdempotencyKey)] = r.ID
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.idem[idemKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(m.runs[id]), nil
}

func (m *MemoryStore) CASUpdate(ctx context.Context, runID string, expectedVersion int64, u Updates, conds ...Condition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return false, nil
	}
	if r.Version != expectedVersion {
		return false, nil
	}
	for _, c := range conds {
		ok, err := matches(r, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.MoneyState != nil {
		r.MoneyState = *u.MoneyState
	}
	if u.FinalizeStage != nil {
		r.FinalizeStage = *u.FinalizeStage
	}
	if u.FinalizeToken != nil {
		r.FinalizeToken = *u.FinalizeToken
	}
	if u.FinalizeClaimedAt != nil {
		t := *u.FinalizeClaimedAt
		r.FinalizeClaimedAt = &t
	}
	if u.LeaseToken != nil {
		r.LeaseToken = *u.LeaseToken
	}
	if u.LeaseExpiresAt != nil {
		t := *u.LeaseExpiresAt
		r.LeaseExpiresAt = &t
	}
	if u.ActualCost != nil {
		c := *u.ActualCost
		r.ActualCost = &c
	}
	if u.ResultKey != nil {
		r.ResultKey = *u.ResultKey
	}
	if u.ResultHash != nil {
		r.ResultHash = *u.ResultHash
	}
	if u.LastErrorReasonCode != nil {
		r.LastErrorReasonCode = *u.LastErrorReasonCode
	}

	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Run
	for _, r := range m.runs {
		if r.Status == StatusProcessing && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			result = append(result, copyRun(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ScanStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Run
	for _, r := range m.runs {
		if r.FinalizeStage == StageClaimed && r.FinalizeClaimedAt != nil && r.FinalizeClaimedAt.Before(olderThan) {
			result = append(result, copyRun(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ScanAuditRequired(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Run
	for _, r := range m.runs {
		if r.MoneyState == MoneyAuditRequired {
			result = append(result, copyRun(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) UsageDaily(ctx context.Context, tenantID string, from, to time.Time) ([]UsageDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from = from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	byDay := make(map[time.Time]*UsageDay)
	for _, r := range m.runs {
		if r.TenantID != tenantID || r.CreatedAt.Before(from) || !r.CreatedAt.Before(end) {
			continue
		}
		day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		u := byDay[day]
		if u == nil {
			u = &UsageDay{Date: day}
			byDay[day] = u
		}
		u.Runs++
		switch r.Status {
		case StatusCompleted:
			u.Completed++
		case StatusFailed, StatusExpired:
			u.Failed++
		}
		if r.MoneyState == MoneySettled && r.ActualCost != nil {
			u.SettledCost += *r.ActualCost
		}
		u.ReservedCost += r.ReservationMaxCost
	}

	result := make([]UsageDay, 0, len(byDay))
	for _, u := range byDay {
		result = append(result, *u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func matches(r *Run, c Condition) (bool, error) {
	switch c.Field {
	case FieldStatus:
		return c.Op == OpEq && string(r.Status) == asString(c.Value), nil
	case FieldMoneyState:
		return c.Op == OpEq && string(r.MoneyState) == asString(c.Value), nil
	case FieldFinalizeStage:
		return c.Op == OpEq && string(r.FinalizeStage) == asString(c.Value), nil
	case FieldFinalizeToken:
		return c.Op == OpEq && r.FinalizeToken == asString(c.Value), nil
	case FieldLeaseToken:
		return c.Op == OpEq && r.LeaseToken == asString(c.Value), nil
	case FieldFinalizeClaimedAt:
		if c.Op != OpLt {
			return false, nil
		}
		cutoff, ok := c.Value.(time.Time)
		if !ok {
			return false, fmt.Errorf("cas update: finalize_claimed_at condition needs a time.Time")
		}
		return r.FinalizeClaimedAt != nil && r.FinalizeClaimedAt.Before(cutoff), nil
	default:
		return false, fmt.Errorf("cas update: unknown condition field %q", c.Field)
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Status:
		return string(t)
	case MoneyState:
		return string(t)
	case FinalizeStage:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// copyRun returns a deep copy so callers never share pointers with the store.
func copyRun(r *Run) *Run {
	cp := *r
	if r.FinalizeClaimedAt != nil {
		t := *r.FinalizeClaimedAt
		cp.FinalizeClaimedAt = &t
	}
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if r.ActualCost != nil {
		c := *r.ActualCost
		cp.ActualCost = &c
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
