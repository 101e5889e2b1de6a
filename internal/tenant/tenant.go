// Package tenant provides multi-tenancy: who may submit runs, authenticated
// by API key, with per-tenant budget settings seeded into the budget engine.
package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/packlane/packlane/internal/money"
)

var (
	ErrNotFound  = errors.New("tenant: not found")
	ErrNameTaken = errors.New("tenant: name already taken")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant represents an organisation submitting runs.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// APIKeyHash is the hex SHA-256 of the tenant's API key. The key
	// itself is only returned once, at creation.
	APIKeyHash string `json:"-"`

	Status Status `json:"status"`

	// Tier is the subscription tier; see tier.go for the per-tier limits.
	Tier Tier `json:"tier"`

	// SoftLimit is how far below zero the balance may go on reserve.
	// Zero or negative.
	SoftLimit money.Micros `json:"softLimit"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the tenant may submit runs.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a presented key against the stored hash in constant
// time.
func VerifyAPIKey(key, storedHash string) bool {
	presented := HashAPIKey(key)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error

	// List returns tenants ordered by (created_at, id), strictly after the
	// given position. Pass the zero time to start from the beginning.
	List(ctx context.Context, afterCreated time.Time, afterID string, limit int) ([]*Tenant, error)
}
