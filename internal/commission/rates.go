package commission

import (
	"sort"
	"sync/atomic"
	"time"

	"vendorpay/internal/common/money"
)

// CategoryRule is a vendor-scoped, effective-dated rate override for orders
// touching a category.
type CategoryRule struct {
	ID            string     `json:"id"`
	VendorID      string     `json:"vendor_id"`
	CategoryID    string     `json:"category_id"`
	Rate          money.Rate `json:"rate_bps"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ActiveAt reports whether the rule applies at the given instant.
func (r CategoryRule) ActiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// RateProfile is the slice of vendor configuration the resolver reads. It is
// supplied by the vendor-policy collaborator.
type RateProfile struct {
	VendorID   string
	Tier       string
	CustomRate *money.Rate
}

// RateTable is an immutable snapshot of all rate configuration. Resolutions
// against one table are deterministic; updates swap in a whole new table so a
// concurrent resolution never sees a half-updated state.
type RateTable struct {
	tierRates     map[string]money.Rate
	categoryRules map[string][]CategoryRule // keyed by vendor ID
	defaultRate   *money.Rate
}

// NewRateTable builds an immutable rate table. Category rules are sorted so
// resolution order does not depend on load order: newest effective-from first,
// ties broken by category ID.
func NewRateTable(tierRates map[string]money.Rate, rules []CategoryRule, defaultRate *money.Rate) *RateTable {
	tiers := make(map[string]money.Rate, len(tierRates))
	for k, v := range tierRates {
		tiers[k] = v
	}

	byVendor := make(map[string][]CategoryRule)
	for _, rule := range rules {
		byVendor[rule.VendorID] = append(byVendor[rule.VendorID], rule)
	}
	for _, vendorRules := range byVendor {
		sort.Slice(vendorRules, func(i, j int) bool {
			if !vendorRules[i].EffectiveFrom.Equal(vendorRules[j].EffectiveFrom) {
				return vendorRules[i].EffectiveFrom.After(vendorRules[j].EffectiveFrom)
			}
			return vendorRules[i].CategoryID < vendorRules[j].CategoryID
		})
	}

	var def *money.Rate
	if defaultRate != nil {
		d := *defaultRate
		def = &d
	}

	return &RateTable{
		tierRates:     tiers,
		categoryRules: byVendor,
		defaultRate:   def,
	}
}

// Resolver resolves the applicable commission rate for a vendor at a point in
// time. Resolution order: vendor category override, subscription tier rate,
// vendor custom rate, platform default.
type Resolver struct {
	table atomic.Pointer[RateTable]
}

// NewResolver creates a resolver with an initial table.
func NewResolver(table *RateTable) *Resolver {
	r := &Resolver{}
	r.table.Store(table)
	return r
}

// Swap atomically replaces the rate table. Used on reload after a rule change.
func (r *Resolver) Swap(table *RateTable) {
	r.table.Store(table)
}

// Resolve returns the rate for a vendor at asOf, considering the categories
// the order touches. Returns ErrNoRateConfigured when nothing applies.
func (r *Resolver) Resolve(profile RateProfile, categoryIDs []string, asOf time.Time) (money.Rate, error) {
	table := r.table.Load()

	if rate, ok := table.categoryOverride(profile.VendorID, categoryIDs, asOf); ok {
		return rate, nil
	}

	if profile.Tier != "" {
		if rate, ok := table.tierRates[profile.Tier]; ok {
			return rate, nil
		}
	}

	if profile.CustomRate != nil && profile.CustomRate.Valid() {
		return *profile.CustomRate, nil
	}

	if table.defaultRate != nil {
		return *table.defaultRate, nil
	}

	return 0, ErrNoRateConfigured
}

// categoryOverride picks the first active rule (rules are pre-sorted newest
// first) whose category the order touches.
func (t *RateTable) categoryOverride(vendorID string, categoryIDs []string, asOf time.Time) (money.Rate, bool) {
	rules := t.categoryRules[vendorID]
	if len(rules) == 0 || len(categoryIDs) == 0 {
		return 0, false
	}

	touched := make(map[string]struct{}, len(categoryIDs))
	for _, id := range categoryIDs {
		touched[id] = struct{}{}
	}

	for _, rule := range rules {
		if !rule.ActiveAt(asOf) {
			continue
		}
		if _, ok := touched[rule.CategoryID]; ok {
			return rule.Rate, true
		}
	}

	return 0, false
}
