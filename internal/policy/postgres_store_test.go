package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/devicetrust/internal/pagination"
	"github.com/mbd888/devicetrust/internal/pgtx"
	"github.com/mbd888/devicetrust/internal/testutil"
)

func TestPostgresStore_Policies(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	p := &Policy{
		ID: "p1", Organization: "acme", Name: "cap", Type: TypeTransactionLimit, Enforcement: EnforcementBlock,
		IsActive: true, Priority: 2, CreatedAt: now, UpdatedAt: now,
		Rules: []Rule{{ID: "r1", Field: "transactionContext.amount", Operator: OpBetween, Value: "1,10000", IsActive: true}},
	}
	require.NoError(t, store.Create(ctx, p))

	dup := *p
	dup.ID = "p2"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrNameTaken)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Rules, got.Rules)
	assert.Equal(t, EnforcementBlock, got.Enforcement)

	first := &Policy{ID: "p0", Organization: "acme", Name: "first", Enforcement: EnforcementMonitor, IsActive: true, Priority: 1, CreatedAt: now, UpdatedAt: now}
	off := &Policy{ID: "p3", Organization: "acme", Name: "off", Enforcement: EnforcementWarn, IsActive: false, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, off))

	all, err := store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := store.ActivePoliciesByOrg(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "p0", active[0].ID)
	assert.Equal(t, "p1", active[1].ID)

	got.Enforcement = EnforcementWarn
	got.Rules = nil
	require.NoError(t, store.Update(ctx, got))
	got, _ = store.Get(ctx, "p1")
	assert.Equal(t, EnforcementWarn, got.Enforcement)
	assert.Empty(t, got.Rules)

	got.Name = "first"
	assert.ErrorIs(t, store.Update(ctx, got), ErrNameTaken)

	require.NoError(t, store.Delete(ctx, "p1"))
	assert.ErrorIs(t, store.Delete(ctx, "p1"), ErrPolicyNotFound)
}

func TestPostgresContextStore_OptimisticSave(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresContextStore(db)
	key := ContextKey{AnonymizedUserID: "u1", DeviceID: "dev1", Organization: "acme"}

	a, err := store.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Version)
	assert.True(t, a.LastActivityAt.IsZero())

	b, err := store.GetOrCreate(ctx, key)
	require.NoError(t, err)

	a.DailyTransactionCount = 2
	a.DailyTransactionAmount = 150.25
	a.LastActivityAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	assert.ErrorIs(t, store.Save(ctx, b), ErrContextConflict)

	got, err := store.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DailyTransactionCount)
	assert.InDelta(t, 150.25, got.DailyTransactionAmount, 1e-9)
	assert.True(t, a.LastActivityAt.Equal(got.LastActivityAt))
}

func TestPostgresEngine_ViolationAndContextCommitTogether(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	policies := NewPostgresStore(db)
	contexts := NewPostgresContextStore(db)
	violations := NewPostgresViolationStore(db)
	e := NewEngine(policies, contexts, violations, WithClock(func() time.Time { return noon }))

	require.NoError(t, policies.Create(ctx, &Policy{
		ID: "p1", Organization: "acme", Name: "cap", Type: TypeTransactionLimit, Enforcement: EnforcementBlock,
		IsActive: true, CreatedAt: noon, UpdatedAt: noon,
		Rules: []Rule{{ID: "r1", Field: "transactionContext.amount", Operator: OpLessThanOrEqual, Value: "100", IsActive: true}},
	}))

	runner := pgtx.NewSQLRunner(db)
	dec, err := runCapture(ctx, runner, func(ctx context.Context) (*Decision, error) {
		return e.Evaluate(ctx, "acme", "dev1", payment(500))
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	stored, err := violations.ListByDevice(ctx, "dev1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 70, stored[0].SeverityScore)
	assert.Equal(t, EnforcementBlock, stored[0].ActionTaken)

	// A failure after evaluation rolls both writes back.
	errAbort := errors.New("abort")
	_, err = runCapture(ctx, runner, func(ctx context.Context) (*Decision, error) {
		if _, err := e.Evaluate(ctx, "acme", "dev1", payment(500)); err != nil {
			return nil, err
		}
		return nil, errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	stored, _ = violations.ListByDevice(ctx, "dev1", 10)
	assert.Len(t, stored, 1)
}

func TestPostgresViolationStore_CursorPaging(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresViolationStore(db)
	for i, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, store.Save(ctx, &Violation{
			ID: id, DeviceID: "dev1", Organization: "acme", PolicyID: "p1", PolicyName: "cap", RuleID: "r1",
			ActionTaken: EnforcementWarn, SeverityScore: 40, RiskScore: 40,
			CreatedAt: noon.Add(time.Duration(i/2) * time.Minute),
		}))
	}

	first, err := store.ListByDevice(ctx, "dev1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "v3", first[0].ID)
	assert.Equal(t, "v2", first[1].ID)

	last := first[1]
	rest, err := store.ListByDevice(ctx, "dev1", 2, WithCursor(&pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "v1", rest[0].ID)
}

func runCapture(ctx context.Context, r pgtx.Runner, fn func(context.Context) (*Decision, error)) (*Decision, error) {
	var dec *Decision
	err := r.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		dec, err = fn(ctx)
		return err
	})
	return dec, err
}
