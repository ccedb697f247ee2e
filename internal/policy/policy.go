// Package policy evaluates organization-defined rules against request context.
//
// An organization owns an ordered list of policies. Each policy holds rules
// of the form "field operator value"; a rule passes when the condition holds.
// Policies are evaluated in ascending priority and the first failing rule
// anywhere ends evaluation: its policy's enforcement level decides the
// request and a violation is recorded with derived severity and risk scores.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrPolicyNotFound  = errors.New("policy: not found")
	ErrNameTaken       = errors.New("policy: name already exists for this organization")
	ErrInvalidPolicy   = errors.New("policy: invalid policy")
	ErrInvalidRule     = errors.New("policy: invalid rule")
	ErrContextConflict = errors.New("policy: user device context was modified concurrently")
)

// PolicyType tags a policy for severity scoring only; it never changes how
// rules are evaluated.
type PolicyType string

const (
	TypeTransactionLimit PolicyType = "TRANSACTION_LIMIT"
	TypeVelocity         PolicyType = "VELOCITY"
	TypeDeviceTrust      PolicyType = "DEVICE_TRUST"
	TypeLocation         PolicyType = "LOCATION"
	TypeTimeRestriction  PolicyType = "TIME_RESTRICTION"
	TypeFraudPrevention  PolicyType = "FRAUD_PREVENTION"
	TypeCompliance       PolicyType = "COMPLIANCE"
)

// EnforcementLevel is the action taken when a policy is violated.
type EnforcementLevel string

const (
	EnforcementBlock      EnforcementLevel = "BLOCK"
	EnforcementWarn       EnforcementLevel = "WARN"
	EnforcementNotify     EnforcementLevel = "NOTIFY"
	EnforcementRequireMFA EnforcementLevel = "REQUIRE_MFA"
	EnforcementMonitor    EnforcementLevel = "MONITOR"
)

// declared order, kept for compatibility with stored precedence values
var enforcementOrder = []EnforcementLevel{
	EnforcementBlock, EnforcementWarn, EnforcementNotify, EnforcementRequireMFA, EnforcementMonitor,
}

// Valid reports whether l is a known level.
func (l EnforcementLevel) Valid() bool {
	return l.Precedence() >= 0
}

// Precedence is the declared position of l (BLOCK=0 ... MONITOR=4), or -1.
// It does not order levels by severity; use Severity for that.
func (l EnforcementLevel) Precedence() int {
	for i, lvl := range enforcementOrder {
		if lvl == l {
			return i
		}
	}
	return -1
}

// Severity is the explicit severity of l on a 0-100 scale.
func (l EnforcementLevel) Severity() int {
	switch l {
	case EnforcementBlock:
		return 100
	case EnforcementRequireMFA:
		return 80
	case EnforcementWarn:
		return 60
	case EnforcementNotify:
		return 40
	case EnforcementMonitor:
		return 20
	default:
		return 0
	}
}

// Policy is an organization-scoped, ordered set of rules.
type Policy struct {
	ID           string           `json:"id"`
	Organization string           `json:"organization"`
	Name         string           `json:"name"`
	Type         PolicyType       `json:"policyType"`
	Enforcement  EnforcementLevel `json:"enforcementLevel"`
	IsActive     bool             `json:"isActive"`
	Priority     int              `json:"priority"` // lower = evaluated first
	Rules        []Rule           `json:"rules"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Rule is one condition within a policy. It passes when the resolved field
// satisfies Operator against Value.
type Rule struct {
	ID           string   `json:"id"`
	Field        string   `json:"conditionField"`
	Operator     Operator `json:"operator"`
	Value        string   `json:"conditionValue"`
	Priority     int      `json:"priority"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	IsActive     bool     `json:"isActive"`
}

func (p *Policy) clone() *Policy {
	cp := *p
	cp.Rules = make([]Rule, len(p.Rules))
	copy(cp.Rules, p.Rules)
	return &cp
}

// Validate checks the policy header and every rule.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Organization) == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Enforcement.Valid() {
		return fmt.Errorf("%w: unknown enforcement level %q", ErrInvalidPolicy, p.Enforcement)
	}
	return ValidateRules(p.Rules)
}

// ValidateRules checks that every rule names a field, uses a known operator
// and carries a value the operator can use.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if strings.TrimSpace(r.Field) == "" {
			return fmt.Errorf("%w: rule[%d]: conditionField is required", ErrInvalidRule, i)
		}
		if !r.Operator.Valid() {
			return fmt.Errorf("%w: rule[%d]: unknown operator %q", ErrInvalidRule, i, r.Operator)
		}
		if err := r.Operator.validateValue(r.Value); err != nil {
			return fmt.Errorf("%w: rule[%d] %s: %v", ErrInvalidRule, i, r.Operator, err)
		}
	}
	return nil
}
