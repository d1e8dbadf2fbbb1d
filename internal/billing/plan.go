package billing

import (
	"strings"
	"time"
)

// Plan is the closed set of subscription plans. Raw plan strings from the
// payment provider are mapped here once, at the read boundary, instead of
// scattering string comparisons through the codebase.
type Plan int

const (
	PlanFree Plan = iota
	PlanPro
	PlanEnterprise
)

func (p Plan) String() string {
	switch p {
	case PlanPro:
		return "pro"
	case PlanEnterprise:
		return "enterprise"
	default:
		return "free"
	}
}

// NormalizePlan maps a raw provider plan string to a Plan. Historical
// variants ("premium", "business") are folded into their current names.
// Unknown strings fall back to the free plan, which carries the shortest
// retention rather than forever.
func NormalizePlan(raw string) Plan {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pro", "premium", "pro_monthly", "pro_yearly":
		return PlanPro
	case "enterprise", "business", "team":
		return PlanEnterprise
	default:
		return PlanFree
	}
}

// Subscription is the read model for a payment-provider subscription row.
// Rows are written out-of-band by webhook handlers; the engine only reads.
type Subscription struct {
	ID                     string
	UserID                 string
	Plan                   string
	Status                 string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	ProviderCustomerID     string
	ProviderSubscriptionID string
}

// Active reports whether the subscription entitles the user to paid-plan
// treatment. Anything other than an active or trialing status does not.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	switch strings.ToLower(s.Status) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// RetentionForever marks media that never expires.
const RetentionForever = -1

// RetentionDays returns how many days uploaded media is kept before the
// sweeper reclaims it. Enterprise media is kept indefinitely; a pro plan
// only earns its 90 days while the subscription is in good standing.
func RetentionDays(plan Plan, subscriptionActive bool) int {
	switch {
	case plan == PlanEnterprise:
		return RetentionForever
	case plan == PlanPro && subscriptionActive:
		return 90
	default:
		return 7
	}
}

// EffectivePlan resolves the plan for a user given their subscription row,
// which may be nil (no row means free).
func EffectivePlan(sub *Subscription) (Plan, bool) {
	if sub == nil {
		return PlanFree, false
	}
	return NormalizePlan(sub.Plan), sub.Active()
}
