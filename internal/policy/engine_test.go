package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/devicetrust/internal/audit"
	"github.com/mbd888/devicetrust/internal/metrics"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine     *Engine
	store      *MemoryStore
	contexts   *MemoryContextStore
	violations *MemoryViolationStore
	events     *audit.Recorder
}

func newEngine(t *testing.T, at time.Time, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:      NewMemoryStore(),
		contexts:   NewMemoryContextStore(),
		violations: NewMemoryViolationStore(),
		events:     audit.NewRecorder(32),
	}
	base := []Option{
		WithClock(func() time.Time { return at }),
		WithPublisher(f.events),
		WithAnonymizer(NewAnonymizer("test-salt")),
	}
	f.engine = NewEngine(f.store, f.contexts, f.violations, append(base, opts...)...)
	return f
}

func (f *engineFixture) addPolicy(t *testing.T, name string, priority int, pt PolicyType, level EnforcementLevel, rules ...Rule) *Policy {
	t.Helper()
	p := &Policy{
		ID:           "pol-" + name,
		Organization: "acme",
		Name:         name,
		Type:         pt,
		Enforcement:  level,
		IsActive:     true,
		Priority:     priority,
		Rules:        rules,
		CreatedAt:    noon,
		UpdatedAt:    noon,
	}
	require.NoError(t, f.store.Create(context.Background(), p))
	return p
}

func rule(id, field string, op Operator, value string) Rule {
	return Rule{ID: id, Field: field, Operator: op, Value: value, IsActive: true}
}

func payment(amount float64) map[string]any {
	return map[string]any{
		"userId":             "alice",
		"transactionContext": map[string]any{"amount": amount},
	}
}

// ============================================================================
// Evaluation order and enforcement
// ============================================================================

func TestEngine_FirstViolationWins(t *testing.T) {
	f := newEngine(t, noon)
	ctx := context.Background()
	limit := rule("r-cap", "transactionContext.amount", OpLessThanOrEqual, "10000")
	limit.ErrorMessage = "amount exceeds 10000"
	f.addPolicy(t, "velocity", 2, TypeVelocity, EnforcementWarn, rule("r-vel", "transactionContext.amount", OpLessThan, "5000"))
	f.addPolicy(t, "cap", 1, TypeTransactionLimit, EnforcementBlock, limit)

	before := testutil.ToFloat64(metrics.PolicyViolationsTotal.WithLabelValues("BLOCK"))
	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", payment(20_000))
	require.NoError(t, err)

	assert.False(t, dec.Allowed)
	assert.Equal(t, EnforcementBlock, dec.Enforcement)
	assert.Equal(t, "amount exceeds 10000", dec.Message)
	require.NotNil(t, dec.Policy)
	assert.Equal(t, "cap", dec.Policy.Name)
	assert.Equal(t, "r-cap", dec.Rule.ID)
	assert.Equal(t, Outcome{Allow: false, Annotation: "amount exceeds 10000"}, dec.Outcome)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PolicyViolationsTotal.WithLabelValues("BLOCK")))

	v := dec.Violation
	require.NotNil(t, v)
	assert.Equal(t, 70, v.SeverityScore)
	assert.Equal(t, 70, v.RiskScore)
	assert.Equal(t, EnforcementBlock, v.ActionTaken)
	assert.Equal(t, NewAnonymizer("test-salt").Anonymize("alice"), v.AnonymizedUserID)
	assert.Contains(t, v.ViolationDetails, `actual "20000"`)
	assert.NotContains(t, v.RequestDetails, "alice")
	var details map[string]any
	require.NoError(t, json.Unmarshal([]byte(v.RequestDetails), &details))
	assert.Contains(t, details, "transactionContext")

	stored, _ := f.violations.ListByDevice(ctx, "dev1", 10)
	require.Len(t, stored, 1)
	assert.Equal(t, v.ID, stored[0].ID)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.TypePolicyViolation, events[0].Type)
	assert.Equal(t, "acme", events[0].Organization)
}

func TestEngine_AllowedRecordsActivity(t *testing.T) {
	f := newEngine(t, noon)
	ctx := context.Background()
	f.addPolicy(t, "cap", 1, TypeTransactionLimit, EnforcementBlock, rule("r", "transactionContext.amount", OpLessThanOrEqual, "10000"))

	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", payment(500))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Outcome.Allow)
	assert.Nil(t, dec.Violation)

	key := ContextKey{AnonymizedUserID: NewAnonymizer("test-salt").Anonymize("alice"), DeviceID: "dev1", Organization: "acme"}
	c, err := f.contexts.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, c.SessionCount)
	assert.Equal(t, 1, c.DailyTransactionCount)
	assert.Equal(t, 500.0, c.DailyTransactionAmount)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, noon, c.LastActivityAt)
	assert.Empty(t, f.events.Events())
}

func TestEngine_VelocityFromStoredContext(t *testing.T) {
	f := newEngine(t, noon)
	ctx := context.Background()
	f.addPolicy(t, "velocity", 1, TypeVelocity, EnforcementWarn, rule("r", "dailyTransactionCount", OpLessThan, "3"))

	for i := 0; i < 3; i++ {
		dec, err := f.engine.Evaluate(ctx, "acme", "dev1", payment(100))
		require.NoError(t, err)
		require.True(t, dec.Allowed, "request %d", i)
	}

	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", payment(100))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EnforcementWarn, dec.Enforcement)
	assert.True(t, dec.Outcome.Allow, "WARN lets the request through")
	assert.Equal(t, 36, dec.Violation.SeverityScore)
	assert.Equal(t, `policy "velocity" violated`, dec.Message)

	// Another user on the same device has its own counters.
	other := payment(100)
	other["userId"] = "bob"
	dec, err = f.engine.Evaluate(ctx, "acme", "dev1", other)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestEngine_RiskSignalsRaiseScore(t *testing.T) {
	f := newEngine(t, time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	f.addPolicy(t, "mfa", 1, TypeDeviceTrust, EnforcementRequireMFA, rule("r", "deviceTrusted", OpEquals, "true"))

	md := map[string]any{"deviceTrusted": false, "riskContext": map[string]any{"isLocationChanged": true}}
	dec, err := f.engine.Evaluate(context.Background(), "acme", "dev1", md)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Outcome.StepUp)
	assert.Equal(t, 64, dec.Violation.SeverityScore)
	assert.Equal(t, 64+20+10, dec.Violation.RiskScore)
}

func TestEngine_SkipsInactive(t *testing.T) {
	f := newEngine(t, noon)
	p := f.addPolicy(t, "off", 1, TypeCompliance, EnforcementBlock, rule("r", "kycLevel", OpEquals, "FULL"))
	p.IsActive = false
	require.NoError(t, f.store.Update(context.Background(), p))

	inactiveRule := rule("r2", "kycLevel", OpEquals, "FULL")
	inactiveRule.IsActive = false
	f.addPolicy(t, "rule-off", 2, TypeCompliance, EnforcementBlock, inactiveRule)

	dec, err := f.engine.Evaluate(context.Background(), "acme", "dev1", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestEngine_NoPoliciesAllows(t *testing.T) {
	f := newEngine(t, noon)
	dec, err := f.engine.Evaluate(context.Background(), "empty-org", "dev1", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestEngine_RulePriority(t *testing.T) {
	f := newEngine(t, noon)
	late := rule("late", "country", OpEquals, "GB")
	late.Priority = 5
	early := rule("early", "channel", OpEquals, "MOBILE")
	early.Priority = 1
	f.addPolicy(t, "p", 1, TypeLocation, EnforcementBlock, late, early)

	dec, err := f.engine.Evaluate(context.Background(), "acme", "dev1", map[string]any{"country": "FR", "channel": "WEB"})
	require.NoError(t, err)
	assert.Equal(t, "early", dec.Rule.ID)
}

// ============================================================================
// Fail-open rules
// ============================================================================

func TestEngine_BrokenRulesPass(t *testing.T) {
	f := newEngine(t, noon)
	f.addPolicy(t, "broken", 1, TypeCompliance, EnforcementBlock,
		rule("bad-regex", "country", OpRegexMatch, "("),
		rule("bad-op", "country", Operator("LIKE"), "G%"),
	)

	before := testutil.ToFloat64(metrics.RuleEvaluationErrorsTotal.WithLabelValues("LIKE"))
	dec, err := f.engine.Evaluate(context.Background(), "acme", "dev1", map[string]any{"country": "GB"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RuleEvaluationErrorsTotal.WithLabelValues("LIKE")))
}

func TestEngine_AbsentFields(t *testing.T) {
	f := newEngine(t, noon)
	f.addPolicy(t, "merchant", 1, TypeFraudPrevention, EnforcementBlock, rule("r", "transactionContext.merchantId", OpNotIn, "m1,m2"))

	dec, err := f.engine.Evaluate(context.Background(), "acme", "dev1", payment(10))
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "comparison on an absent field passes")

	f.addPolicy(t, "needs-merchant", 2, TypeFraudPrevention, EnforcementBlock, rule("r2", "transactionContext.merchantId", OpIsNotNull, ""))
	f.engine.InvalidateCache("acme")
	dec, err = f.engine.Evaluate(context.Background(), "acme", "dev1", payment(10))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

// ============================================================================
// Policy cache
// ============================================================================

func TestEngine_PolicyCache(t *testing.T) {
	f := newEngine(t, noon, WithCacheTTL(time.Hour))
	ctx := context.Background()

	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	f.addPolicy(t, "block-all", 1, TypeCompliance, EnforcementBlock, rule("r", "always", OpIsNotNull, ""))

	dec, err = f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "stale cache still in use")

	f.engine.InvalidateCache("acme")
	dec, err = f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	assert.Equal(t, 0, f.engine.SweepCache())
}

func TestEngine_PolicyCacheExpiresOnEngineClock(t *testing.T) {
	at := noon
	f := newEngine(t, noon, WithCacheTTL(time.Minute), WithClock(func() time.Time { return at }))
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	f.addPolicy(t, "block-all", 1, TypeCompliance, EnforcementBlock, rule("r", "always", OpIsNotNull, ""))

	at = noon.Add(59 * time.Second)
	assert.Equal(t, 0, f.engine.SweepCache())
	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "entry is still fresh on the injected clock")

	at = noon.Add(2 * time.Minute)
	assert.Equal(t, 1, f.engine.SweepCache())
	dec, err = f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEngine_CacheDisabled(t *testing.T) {
	f := newEngine(t, noon, WithCacheTTL(0))
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	f.addPolicy(t, "block-all", 1, TypeCompliance, EnforcementBlock, rule("r", "always", OpIsNotNull, ""))

	dec, err := f.engine.Evaluate(ctx, "acme", "dev1", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

// ============================================================================
// Storage failures
// ============================================================================

type conflictingContexts struct{ *MemoryContextStore }

func (conflictingContexts) Save(context.Context, *UserDeviceContext) error { return ErrContextConflict }

type failingPolicies struct{ *MemoryStore }

func (failingPolicies) ActivePoliciesByOrg(context.Context, string) ([]*Policy, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_StorageErrors(t *testing.T) {
	ctx := context.Background()

	e := NewEngine(NewMemoryStore(), conflictingContexts{NewMemoryContextStore()}, NewMemoryViolationStore())
	_, err := e.Evaluate(ctx, "acme", "dev1", nil)
	assert.ErrorIs(t, err, ErrContextConflict)

	e = NewEngine(failingPolicies{NewMemoryStore()}, NewMemoryContextStore(), NewMemoryViolationStore())
	before := testutil.ToFloat64(metrics.PolicyEvaluationsTotal.WithLabelValues("error"))
	_, err = e.Evaluate(ctx, "acme", "dev1", nil)
	assert.ErrorContains(t, err, "load policies")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PolicyEvaluationsTotal.WithLabelValues("error")))
}

func TestMemoryContextStore_Conflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContextStore()
	key := ContextKey{AnonymizedUserID: "u", DeviceID: "d", Organization: "o"}

	a, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	b, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	a.SessionCount = 1
	require.NoError(t, s.Save(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.SessionCount = 7
	assert.ErrorIs(t, s.Save(ctx, b), ErrContextConflict)

	got, _ := s.GetOrCreate(ctx, key)
	assert.Equal(t, 1, got.SessionCount)
}
