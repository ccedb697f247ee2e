package policy

import (
	"context"
	"time"

	"github.com/mbd888/devicetrust/internal/pagination"
)

// Violation is the write-once audit record of a failed rule.
type Violation struct {
	ID               string           `json:"id"`
	DeviceID         string           `json:"deviceId"`
	AnonymizedUserID string           `json:"anonymizedUserId"`
	Organization     string           `json:"organization"`
	PolicyID         string           `json:"policyId"`
	PolicyName       string           `json:"policyName"`
	RuleID           string           `json:"ruleId"`
	ActionTaken      EnforcementLevel `json:"actionTaken"`
	RequestDetails   string           `json:"requestDetails,omitempty"`
	ViolationDetails string           `json:"violationDetails,omitempty"`
	SeverityScore    int              `json:"severityScore"`
	RiskScore        int              `json:"riskScore"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the item c points at.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.cursor = c }
}

// ViolationStore persists violations. Save is not idempotent.
type ViolationStore interface {
	Save(ctx context.Context, v *Violation) error
	// ListByDevice returns a device's violations ordered by
	// (CreatedAt, ID) descending.
	ListByDevice(ctx context.Context, deviceID string, limit int, opts ...ListOption) ([]*Violation, error)
}
