package policy

import (
	"context"
	"time"
)

// ContextKey identifies the rolling risk state of one user on one device
// within one organization.
type ContextKey struct {
	AnonymizedUserID string
	DeviceID         string
	Organization     string
}

// UserDeviceContext is the per-user, per-device velocity and risk state.
// Version increments on every save and guards concurrent updates.
type UserDeviceContext struct {
	AnonymizedUserID string `json:"anonymizedUserId"`
	DeviceID         string `json:"deviceId"`
	Organization     string `json:"organization"`

	AccountTier    string `json:"accountTier,omitempty"`
	AccountAgeDays int    `json:"accountAgeDays"`
	KYCLevel       string `json:"kycLevel,omitempty"`

	DailyTransactionCount    int     `json:"dailyTransactionCount"`
	DailyTransactionAmount   float64 `json:"dailyTransactionAmount"`
	WeeklyTransactionCount   int     `json:"weeklyTransactionCount"`
	WeeklyTransactionAmount  float64 `json:"weeklyTransactionAmount"`
	MonthlyTransactionCount  int     `json:"monthlyTransactionCount"`
	MonthlyTransactionAmount float64 `json:"monthlyTransactionAmount"`
	SessionCount             int     `json:"sessionCount"`

	RiskScore           int  `json:"riskScore"`
	IsLocationChanged   bool `json:"isLocationChanged"`
	IsDeviceChanged     bool `json:"isDeviceChanged"`
	IsDormantAccount    bool `json:"isDormantAccount"`
	FailedAttemptsCount int  `json:"failedAttemptsCount"`

	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Key returns the identity of c.
func (c *UserDeviceContext) Key() ContextKey {
	return ContextKey{AnonymizedUserID: c.AnonymizedUserID, DeviceID: c.DeviceID, Organization: c.Organization}
}

// ContextStore persists UserDeviceContext rows.
type ContextStore interface {
	// GetOrCreate returns the context for key, creating an empty one on first
	// use. Inside a transaction the row is locked until commit.
	GetOrCreate(ctx context.Context, key ContextKey) (*UserDeviceContext, error)
	// Save writes c if its Version still matches the stored row and bumps
	// Version. A stale Version yields ErrContextConflict.
	Save(ctx context.Context, c *UserDeviceContext) error
}

// recordActivity folds an allowed request into the velocity state.
func (c *UserDeviceContext) recordActivity(metadata map[string]any, now time.Time) {
	c.SessionCount++
	c.LastActivityAt = now

	if amount, ok := lookupNumber(metadata, "transactionContext.amount"); ok && amount > 0 {
		c.DailyTransactionCount++
		c.WeeklyTransactionCount++
		c.MonthlyTransactionCount++
		c.DailyTransactionAmount += amount
		c.WeeklyTransactionAmount += amount
		c.MonthlyTransactionAmount += amount
	}

	if tier, ok := lookupString(metadata, "sessionContext.accountTier", "accountTier"); ok && tier != "" {
		c.AccountTier = tier
	}
	if kyc, ok := lookupString(metadata, "sessionContext.kycLevel", "kycLevel"); ok && kyc != "" {
		c.KYCLevel = kyc
	}
	if age, ok := lookupNumber(metadata, "sessionContext.accountAgeDays", "accountAgeDays"); ok {
		c.AccountAgeDays = int(age)
	}
	if v, ok := lookupBool(metadata, locationChangedPaths...); ok {
		c.IsLocationChanged = v
	}
	if v, ok := lookupBool(metadata, deviceChangedPaths...); ok {
		c.IsDeviceChanged = v
	}
	if v, ok := lookupBool(metadata, dormantPaths...); ok {
		c.IsDormantAccount = v
	}
}
