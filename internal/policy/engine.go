package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/audit"
	"github.com/mbd888/devicetrust/internal/idgen"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/traces"
)

// DefaultPolicyCacheTTL is how long an organization's policies are cached
// before re-fetching.
const DefaultPolicyCacheTTL = 30 * time.Second

// policyCacheEntry holds cached active policies for an organization.
type policyCacheEntry struct {
	policies  []*Policy
	fetchedAt time.Time
}

// Decision is the result of Evaluate. On a violation Allowed is false and
// Outcome tells the caller whether the request still proceeds.
type Decision struct {
	Allowed     bool             `json:"allowed"`
	Enforcement EnforcementLevel `json:"enforcementLevel,omitempty"`
	Message     string           `json:"message,omitempty"`
	Policy      *Policy          `json:"violatedPolicy,omitempty"`
	Rule        *Rule            `json:"violatedRule,omitempty"`
	Violation   *Violation       `json:"violation,omitempty"`
	Outcome     Outcome          `json:"outcome"`
}

// Engine evaluates an organization's policies for a device request.
type Engine struct {
	store      Store
	contexts   ContextStore
	violations ViolationStore
	resolver   *Resolver
	anonymizer *Anonymizer
	publisher  audit.Publisher
	now        func() time.Time
	cacheTTL   time.Duration

	mu    sync.RWMutex
	cache map[string]*policyCacheEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL overrides the default policy cache TTL. Zero disables caching.
// The cache is per Engine: InvalidateCache only reaches the replica that
// served the write, so other replicas keep their entries for up to ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithAnonymizer sets the anonymizer used for raw user ids.
func WithAnonymizer(a *Anonymizer) Option {
	return func(e *Engine) { e.anonymizer = a }
}

// WithPublisher sends recorded violations to p.
func WithPublisher(p audit.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock sets the time source used for timestamps, time-of-day fields and
// policy cache expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.resolver.now = now
	}
}

// WithTierLimits replaces DefaultTierLimits. The table must contain DefaultTier.
func WithTierLimits(limits map[string]TierLimits) Option {
	return func(e *Engine) { e.resolver.limits = limits }
}

// NewEngine creates a policy engine.
func NewEngine(store Store, contexts ContextStore, violations ViolationStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		contexts:   contexts,
		violations: violations,
		resolver:   NewResolver(),
		anonymizer: NewAnonymizer(""),
		publisher:  audit.NopPublisher{},
		now:        time.Now,
		cacheTTL:   DefaultPolicyCacheTTL,
		cache:      make(map[string]*policyCacheEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvalidateCache removes cached policies for an organization on this
// Engine only. Call after policy CRUD operations.
func (e *Engine) InvalidateCache(organization string) {
	e.mu.Lock()
	delete(e.cache, organization)
	e.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (e *Engine) SweepCache() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	removed := 0
	for k, entry := range e.cache {
		if now.Sub(entry.fetchedAt) > e.cacheTTL {
			delete(e.cache, k)
			removed++
		}
	}
	return removed
}

// activePolicies returns the organization's active policies, sorted by
// priority then creation time, from cache when fresh.
func (e *Engine) activePolicies(ctx context.Context, organization string) ([]*Policy, error) {
	now := e.now()

	e.mu.RLock()
	entry, ok := e.cache[organization]
	if ok && now.Sub(entry.fetchedAt) < e.cacheTTL {
		e.mu.RUnlock()
		return entry.policies, nil
	}
	e.mu.RUnlock()

	policies, err := e.store.ActivePoliciesByOrg(ctx, organization)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].CreatedAt.Before(policies[j].CreatedAt)
	})

	if e.cacheTTL > 0 {
		e.mu.Lock()
		e.cache[organization] = &policyCacheEntry{policies: policies, fetchedAt: now}
		e.mu.Unlock()
	}
	return policies, nil
}

// Evaluate runs the organization's policies against a request from deviceID.
// The first failing rule ends evaluation and is recorded as a violation.
// Storage errors are returned; errors inside a single rule are not.
func (e *Engine) Evaluate(ctx context.Context, organization, deviceID string, metadata map[string]any) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "policy.Evaluate",
		traces.Organization(organization), traces.DeviceID(deviceID))
	defer span.End()
	start := time.Now()

	dec, err := e.evaluate(ctx, organization, deviceID, metadata)
	metrics.PolicyEvaluationDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.PolicyEvaluationsTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	case dec.Allowed:
		metrics.PolicyEvaluationsTotal.WithLabelValues("allowed").Inc()
		span.SetAttributes(traces.Decision("allowed"))
	default:
		metrics.PolicyEvaluationsTotal.WithLabelValues("violated").Inc()
		span.SetAttributes(traces.Decision(string(dec.Enforcement)))
	}
	return dec, nil
}

func (e *Engine) evaluate(ctx context.Context, organization, deviceID string, md map[string]any) (*Decision, error) {
	policies, err := e.activePolicies(ctx, organization)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	key := ContextKey{AnonymizedUserID: e.anonymizer.UserID(md), DeviceID: deviceID, Organization: organization}
	uctx, err := e.contexts.GetOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load user device context: %w", err)
	}

	for _, pol := range policies {
		if !pol.IsActive {
			continue
		}
		for _, rule := range activeRules(pol.Rules) {
			if e.rulePasses(ctx, pol, rule, md, uctx) {
				continue
			}
			return e.violate(ctx, pol, rule, deviceID, md, uctx)
		}
	}

	uctx.recordActivity(md, e.now().UTC())
	if err := e.saveContext(ctx, uctx); err != nil {
		return nil, err
	}
	return &Decision{Allowed: true, Outcome: Outcome{Allow: true}}, nil
}

// activeRules returns the active rules sorted by ascending priority.
func activeRules(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// rulePasses evaluates one rule. An error or panic inside the rule counts as
// a pass so that one malformed rule cannot block unrelated traffic.
func (e *Engine) rulePasses(ctx context.Context, pol *Policy, rule Rule, md map[string]any, uctx *UserDeviceContext) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			e.ruleError(ctx, pol, rule, fmt.Errorf("panic: %v", r))
			pass = true
		}
	}()

	value, present := e.resolver.Resolve(rule.Field, md, uctx)
	ok, err := rule.Operator.apply(value, present, rule.Value)
	if err != nil {
		e.ruleError(ctx, pol, rule, err)
		return true
	}
	return ok
}

func (e *Engine) ruleError(ctx context.Context, pol *Policy, rule Rule, err error) {
	metrics.RuleEvaluationErrorsTotal.WithLabelValues(string(rule.Operator)).Inc()
	logging.L(ctx).Warn("rule evaluation failed, treating as passed",
		zap.String("policy_id", pol.ID),
		zap.String("rule_id", rule.ID),
		zap.String("operator", string(rule.Operator)),
		zap.Error(err))
}

func (e *Engine) violate(ctx context.Context, pol *Policy, rule Rule, deviceID string, md map[string]any, uctx *UserDeviceContext) (*Decision, error) {
	now := e.now().UTC()
	severity := SeverityScore(pol.Type, pol.Enforcement)
	risk := RiskScore(severity, e.resolver.signals(md, uctx))

	message := rule.ErrorMessage
	if message == "" {
		message = fmt.Sprintf("policy %q violated", pol.Name)
	}
	actual, present := e.resolver.Resolve(rule.Field, md, uctx)
	details := fmt.Sprintf("%s %s %q failed", rule.Field, rule.Operator, rule.Value)
	if present {
		details += fmt.Sprintf(" (actual %q)", stringify(actual))
	}

	v := &Violation{
		ID:               idgen.New(),
		DeviceID:         deviceID,
		AnonymizedUserID: uctx.AnonymizedUserID,
		Organization:     pol.Organization,
		PolicyID:         pol.ID,
		PolicyName:       pol.Name,
		RuleID:           rule.ID,
		ActionTaken:      pol.Enforcement,
		RequestDetails:   requestDetails(md),
		ViolationDetails: details,
		SeverityScore:    severity,
		RiskScore:        risk,
		CreatedAt:        now,
	}
	if err := e.violations.Save(ctx, v); err != nil {
		return nil, fmt.Errorf("save violation: %w", err)
	}

	uctx.RiskScore = risk
	uctx.LastActivityAt = now
	if err := e.saveContext(ctx, uctx); err != nil {
		return nil, err
	}

	metrics.PolicyViolationsTotal.WithLabelValues(string(pol.Enforcement)).Inc()
	logging.L(ctx).Info("policy violated",
		zap.String("organization", pol.Organization),
		zap.String("device_id", deviceID),
		zap.String("policy", pol.Name),
		zap.String("enforcement", string(pol.Enforcement)),
		zap.Int("risk_score", risk))
	e.publisher.Publish(ctx, audit.NewEvent(audit.TypePolicyViolation, deviceID, pol.Organization, v))

	violated := pol.clone()
	r := rule
	return &Decision{
		Allowed:     false,
		Enforcement: pol.Enforcement,
		Message:     message,
		Policy:      violated,
		Rule:        &r,
		Violation:   v,
		Outcome:     OutcomeFor(pol.Enforcement, message),
	}, nil
}

func (e *Engine) saveContext(ctx context.Context, uctx *UserDeviceContext) error {
	uctx.UpdatedAt = e.now().UTC()
	if err := e.contexts.Save(ctx, uctx); err != nil {
		return fmt.Errorf("save user device context: %w", err)
	}
	return nil
}

// requestDetails renders metadata for the audit record without raw user ids.
func requestDetails(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	clean := make(map[string]any, len(md))
	for k, v := range md {
		if k == "userId" {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return ""
	}
	return string(b)
}
