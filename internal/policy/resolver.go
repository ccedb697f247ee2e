package policy

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DefaultTier is assumed when neither the request nor the stored context
// names an account tier.
const DefaultTier = "BASIC"

// Time-of-day buckets.
const (
	BusinessHours = "BUSINESS_HOURS" // [06:00, 18:00)
	AfterHours    = "AFTER_HOURS"    // [18:00, 22:00)
	Night         = "NIGHT"
)

// TierLimits are the static amount limits of one account tier.
type TierLimits struct {
	MaxDailyAmount             float64 `yaml:"maxDailyAmount"`
	MaxSingleTransactionAmount float64 `yaml:"maxSingleTransactionAmount"`
	MaxMonthlyAmount           float64 `yaml:"maxMonthlyAmount"`
}

// DefaultTierLimits maps account tier to limits. Unknown tiers get BASIC.
var DefaultTierLimits = map[string]TierLimits{
	"BASIC":    {MaxDailyAmount: 5_000, MaxSingleTransactionAmount: 1_000, MaxMonthlyAmount: 50_000},
	"STANDARD": {MaxDailyAmount: 20_000, MaxSingleTransactionAmount: 5_000, MaxMonthlyAmount: 200_000},
	"PREMIUM":  {MaxDailyAmount: 100_000, MaxSingleTransactionAmount: 25_000, MaxMonthlyAmount: 1_000_000},
	"VIP":      {MaxDailyAmount: 500_000, MaxSingleTransactionAmount: 100_000, MaxMonthlyAmount: 5_000_000},
}

// Paths consulted for the boolean risk signals, in order.
var (
	locationChangedPaths = []string{"riskContext.isLocationChanged", "sessionContext.isLocationChanged", "isLocationChanged", "locationChanged"}
	deviceChangedPaths   = []string{"riskContext.isDeviceChanged", "sessionContext.isDeviceChanged", "isDeviceChanged", "deviceChanged"}
	dormantPaths         = []string{"riskContext.isDormantAccount", "sessionContext.isDormantAccount", "isDormantAccount", "dormantAccount"}
	newBeneficiaryPaths  = []string{"transactionContext.isNewBeneficiary", "transactionContext.newBeneficiary", "isNewBeneficiary", "newBeneficiary"}
)

// Resolver turns a rule's dot-path field into a value. Request metadata is
// consulted first; unknown paths fall back to a fixed table of synonyms
// computed from the stored UserDeviceContext, the clock and the tier limits.
type Resolver struct {
	now    func() time.Time
	loc    *time.Location
	limits map[string]TierLimits
}

// NewResolver creates a resolver using the wall clock in UTC and
// DefaultTierLimits.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now, loc: time.UTC, limits: DefaultTierLimits}
}

type contextField func(r *Resolver, md map[string]any, c *UserDeviceContext) any

// contextFields is keyed by normalized field name.
var contextFields = map[string]contextField{}

func init() {
	register := func(fn contextField, names ...string) {
		for _, n := range names {
			contextFields[normalize(n)] = fn
		}
	}

	register(func(r *Resolver, md map[string]any, c *UserDeviceContext) any { return r.tier(md, c) },
		"accountTier", "tier")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.AccountAgeDays },
		"accountAge", "accountAgeDays")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.KYCLevel },
		"kycLevel", "kyc")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.DailyTransactionCount },
		"dailyTransactionCount", "dailyTxCount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.WeeklyTransactionCount },
		"weeklyTransactionCount", "weeklyTxCount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.MonthlyTransactionCount },
		"monthlyTransactionCount", "monthlyTxCount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.DailyTransactionAmount },
		"dailyTransactionAmount", "dailyAmount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.WeeklyTransactionAmount },
		"weeklyTransactionAmount", "weeklyAmount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.MonthlyTransactionAmount },
		"monthlyTransactionAmount", "monthlyAmount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.SessionCount },
		"sessionCount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.RiskScore },
		"riskScore")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.FailedAttemptsCount },
		"failedAttempts", "failedAttemptsCount")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.IsDeviceChanged },
		"isDeviceChanged", "deviceChanged")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.IsLocationChanged },
		"isLocationChanged", "locationChanged")
	register(func(_ *Resolver, _ map[string]any, c *UserDeviceContext) any { return c.IsDormantAccount },
		"isDormantAccount", "dormantAccount")
	register(func(r *Resolver, _ map[string]any, _ *UserDeviceContext) any { return r.TimeOfDay() },
		"timeOfDay", "currentTimeOfDay")
	register(func(r *Resolver, md map[string]any, c *UserDeviceContext) any { return r.limitsFor(md, c).MaxDailyAmount },
		"maxDailyAmount", "dailyLimit")
	register(func(r *Resolver, md map[string]any, c *UserDeviceContext) any {
		return r.limitsFor(md, c).MaxSingleTransactionAmount
	}, "maxSingleTransactionAmount", "singleTransactionLimit")
	register(func(r *Resolver, md map[string]any, c *UserDeviceContext) any { return r.limitsFor(md, c).MaxMonthlyAmount },
		"maxMonthlyAmount", "monthlyLimit")
}

// Resolve returns the value of field and whether it was found.
func (r *Resolver) Resolve(field string, md map[string]any, c *UserDeviceContext) (any, bool) {
	if v, ok := lookupPath(md, field); ok {
		return v, true
	}
	if c == nil {
		c = &UserDeviceContext{}
	}
	fn, ok := contextFields[normalize(field)]
	if !ok {
		if i := strings.LastIndexByte(field, '.'); i >= 0 {
			fn, ok = contextFields[normalize(field[i+1:])]
		}
	}
	if !ok {
		return nil, false
	}
	return fn(r, md, c), true
}

// TimeOfDay buckets the current hour.
func (r *Resolver) TimeOfDay() string {
	return timeBucket(r.now().In(r.loc).Hour())
}

func timeBucket(hour int) string {
	switch {
	case hour >= 6 && hour < 18:
		return BusinessHours
	case hour >= 18 && hour < 22:
		return AfterHours
	default:
		return Night
	}
}

func (r *Resolver) tier(md map[string]any, c *UserDeviceContext) string {
	if t, ok := lookupString(md, "sessionContext.accountTier", "accountTier"); ok && t != "" {
		return t
	}
	if c.AccountTier != "" {
		return c.AccountTier
	}
	return DefaultTier
}

func (r *Resolver) limitsFor(md map[string]any, c *UserDeviceContext) TierLimits {
	if l, ok := r.limits[strings.ToUpper(r.tier(md, c))]; ok {
		return l
	}
	return r.limits[DefaultTier]
}

func normalize(name string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(name))
}

// lookupPath walks md by the dot-separated segments of path. A missing
// segment, a non-map intermediate or a nil leaf is reported as absent.
func lookupPath(md map[string]any, path string) (any, bool) {
	if md == nil || path == "" {
		return nil, false
	}
	var cur any = md
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func lookupString(md map[string]any, paths ...string) (string, bool) {
	for _, p := range paths {
		if v, ok := lookupPath(md, p); ok {
			return stringify(v), true
		}
	}
	return "", false
}

func lookupNumber(md map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		v, ok := lookupPath(md, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case float32:
			return float64(t), true
		case int:
			return float64(t), true
		case int64:
			return float64(t), true
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupBool(md map[string]any, paths ...string) (bool, bool) {
	for _, p := range paths {
		v, ok := lookupPath(md, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b, true
			}
		}
	}
	return false, false
}
