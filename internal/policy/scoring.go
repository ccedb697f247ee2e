package policy

// HighAmountThreshold is the transaction amount at or above which a
// violation carries the high-amount risk increment.
const HighAmountThreshold = 100_000

// Risk increments added on top of the severity score.
const (
	riskLocationChanged = 20
	riskDeviceChanged   = 30
	riskDormantAccount  = 25
	riskHighAmount      = 15
	riskNewBeneficiary  = 10
	riskNight           = 10
)

var typeBaseScore = map[PolicyType]int{
	TypeTransactionLimit: 70,
	TypeVelocity:         60,
	TypeDeviceTrust:      80,
	TypeLocation:         65,
	TypeTimeRestriction:  50,
	TypeFraudPrevention:  90,
	TypeCompliance:       75,
}

const defaultBaseScore = 50

// SeverityScore is the policy type's base score scaled by the enforcement
// level's severity percentage.
func SeverityScore(t PolicyType, level EnforcementLevel) int {
	base, ok := typeBaseScore[t]
	if !ok {
		base = defaultBaseScore
	}
	return clamp(base * level.Severity() / 100)
}

// RiskSignals are the request facts that raise a violation's risk score.
type RiskSignals struct {
	LocationChanged bool
	DeviceChanged   bool
	DormantAccount  bool
	HighAmount      bool
	NewBeneficiary  bool
	Night           bool
}

// RiskScore adds the signal increments to severity, capped at 100.
func RiskScore(severity int, s RiskSignals) int {
	score := severity
	if s.LocationChanged {
		score += riskLocationChanged
	}
	if s.DeviceChanged {
		score += riskDeviceChanged
	}
	if s.DormantAccount {
		score += riskDormantAccount
	}
	if s.HighAmount {
		score += riskHighAmount
	}
	if s.NewBeneficiary {
		score += riskNewBeneficiary
	}
	if s.Night {
		score += riskNight
	}
	return clamp(score)
}

// signals reads the risk signals from request metadata. The stored context
// flags count as well when the request does not mention them.
func (r *Resolver) signals(md map[string]any, c *UserDeviceContext) RiskSignals {
	var s RiskSignals
	var ok bool
	if s.LocationChanged, ok = lookupBool(md, locationChangedPaths...); !ok && c != nil {
		s.LocationChanged = c.IsLocationChanged
	}
	if s.DeviceChanged, ok = lookupBool(md, deviceChangedPaths...); !ok && c != nil {
		s.DeviceChanged = c.IsDeviceChanged
	}
	if s.DormantAccount, ok = lookupBool(md, dormantPaths...); !ok && c != nil {
		s.DormantAccount = c.IsDormantAccount
	}
	s.NewBeneficiary, _ = lookupBool(md, newBeneficiaryPaths...)

	if amount, ok := lookupNumber(md, "transactionContext.amount", "amount"); ok && amount >= HighAmountThreshold {
		s.HighAmount = true
	}
	if rng, ok := lookupString(md, "transactionContext.amountRange", "amountRange"); ok && rng == "HIGH" {
		s.HighAmount = true
	}

	tod, ok := lookupString(md, "sessionContext.timeOfDay", "timeOfDay")
	if !ok {
		tod = r.TimeOfDay()
	}
	s.Night = tod == Night
	return s
}

func clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
