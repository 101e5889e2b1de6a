package tenant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTenant(id, name, key string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:         id,
		Name:       name,
		APIKeyHash: HashAPIKey(key),
		Status:     StatusActive,
		SoftLimit:  0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestAPIKeyHashing(t *testing.T) {
	hash := HashAPIKey("pk_live_secret")
	if !VerifyAPIKey("pk_live_secret", hash) {
		t.Fatal("VerifyAPIKey rejected the right key")
	}
	if VerifyAPIKey("pk_live_wrong", hash) {
		t.Fatal("VerifyAPIKey accepted a wrong key")
	}
}

func TestPlanTierDefaultsToFree(t *testing.T) {
	ten := newTenant("ten_1", "acme", "pk_key_1")
	if got := ten.PlanTier(); got != TierFree {
		t.Fatalf("PlanTier = %s, want free", got)
	}
	ten.Tier = TierPro
	if got := ten.PlanTier(); got != TierPro {
		t.Fatalf("PlanTier = %s, want pro", got)
	}
}

func TestTierValid(t *testing.T) {
	for _, tier := range []Tier{TierFree, TierPro, TierEnterprise} {
		if !tier.Valid() {
			t.Errorf("Valid(%s) = false", tier)
		}
	}
	if Tier("platinum").Valid() {
		t.Error("Valid(platinum) = true")
	}
}

func TestEnforcePlan(t *testing.T) {
	free := newTenant("ten_free", "freeco", "pk_key_free")

	if err := free.EnforcePlan("decision", 500_000); err != nil {
		t.Fatalf("free decision within limit: %v", err)
	}
	if err := free.EnforcePlan("fetch", 500_000); !errors.Is(err, ErrPackTypeNotAllowed) {
		t.Fatalf("free fetch error = %v, want ErrPackTypeNotAllowed", err)
	}
	if err := free.EnforcePlan("decision", 1_500_000); !errors.Is(err, ErrPlanCostExceeded) {
		t.Fatalf("free over-cost error = %v, want ErrPlanCostExceeded", err)
	}

	pro := newTenant("ten_pro", "proco", "pk_key_pro")
	pro.Tier = TierPro
	if err := pro.EnforcePlan("fetch", 50_000_000); err != nil {
		t.Fatalf("pro fetch within limit: %v", err)
	}
	if err := pro.EnforcePlan("transform", 1_000); !errors.Is(err, ErrPackTypeNotAllowed) {
		t.Fatalf("pro transform error = %v, want ErrPackTypeNotAllowed", err)
	}

	// Enterprise takes any registered type at any representable cost.
	ent := newTenant("ten_ent", "entco", "pk_key_ent")
	ent.Tier = TierEnterprise
	if err := ent.EnforcePlan("transform", 9_000_000_000); err != nil {
		t.Fatalf("enterprise submission rejected: %v", err)
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ten := newTenant("ten_1", "acme", "pk_key_1")
	if err := s.Create(ctx, ten); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, newTenant("ten_2", "acme", "pk_key_2")); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("duplicate name error = %v, want ErrNameTaken", err)
	}

	got, err := s.GetByAPIKeyHash(ctx, HashAPIKey("pk_key_1"))
	if err != nil || got.ID != "ten_1" {
		t.Fatalf("GetByAPIKeyHash = (%v, %v), want ten_1", got, err)
	}
	if !got.Active() {
		t.Fatal("new tenant not active")
	}

	got.Status = StatusSuspended
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = s.Get(ctx, "ten_1")
	if got.Active() {
		t.Fatal("suspended tenant still active")
	}

	if _, err := s.Get(ctx, "ten_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}
