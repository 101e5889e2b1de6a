package tenant

import (
	"errors"
	"fmt"

	"github.com/packlane/packlane/internal/money"
)

var (
	// ErrPackTypeNotAllowed means the tenant's tier does not include the
	// requested pack type.
	ErrPackTypeNotAllowed = errors.New("tenant: pack type not allowed by plan")

	// ErrPlanCostExceeded means the requested max_cost is above the
	// tier's per-run ceiling.
	ErrPlanCostExceeded = errors.New("tenant: max_cost exceeds plan limit")
)

// Tier is a tenant's subscription tier. The tier decides which pack types
// the tenant may submit, the per-run cost ceiling, and the submit rate.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// PlanLimits is the set of constraints a tier puts on submissions.
type PlanLimits struct {
	// AllowedPackTypes lists the pack types the tier may submit.
	// Nil means every registered type.
	AllowedPackTypes []string

	// MaxCostPerRun caps the max_cost of a single run.
	MaxCostPerRun money.Micros

	// SubmitPerMinute caps POST /runs per tenant per minute.
	SubmitPerMinute int
}

// Limits returns the constraints for the tier. Unknown tiers get the free
// limits.
func (t Tier) Limits() PlanLimits {
	switch t {
	case TierPro:
		return PlanLimits{
			AllowedPackTypes: []string{"decision", "fetch"},
			MaxCostPerRun:    100 * money.MicrosPerUnit,
			SubmitPerMinute:  60,
		}
	case TierEnterprise:
		return PlanLimits{
			AllowedPackTypes: nil,
			MaxCostPerRun:    money.MaxMicros,
			SubmitPerMinute:  600,
		}
	default:
		return PlanLimits{
			AllowedPackTypes: []string{"decision"},
			MaxCostPerRun:    1 * money.MicrosPerUnit,
			SubmitPerMinute:  10,
		}
	}
}

// PlanTier returns the tenant's tier; records created before tiers existed
// count as free.
func (t *Tenant) PlanTier() Tier {
	if t.Tier == "" {
		return TierFree
	}
	return t.Tier
}

// EnforcePlan checks a submission against the tenant's tier limits. Rate
// limiting is enforced separately at the gateway.
func (t *Tenant) EnforcePlan(packType string, maxCost money.Micros) error {
	lim := t.PlanTier().Limits()

	if lim.AllowedPackTypes != nil {
		allowed := false
		for _, pt := range lim.AllowedPackTypes {
			if pt == packType {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %q not in %v", ErrPackTypeNotAllowed, packType, lim.AllowedPackTypes)
		}
	}

	if maxCost > lim.MaxCostPerRun {
		return fmt.Errorf("%w: %s > %s", ErrPlanCostExceeded,
			money.Format(maxCost), money.Format(lim.MaxCostPerRun))
	}
	return nil
}
