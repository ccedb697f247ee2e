package deviceauth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/devicetrust/internal/keyvault"
	"github.com/mbd888/devicetrust/internal/pgtx"
	"github.com/mbd888/devicetrust/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, keyvault.PlainSealer{})
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Get(ctx, "dev1", "bank-a")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	key, err := GenerateSecretKey()
	require.NoError(t, err)
	d := &Device{DeviceID: "dev1", ClientID: "bank-a", SecretKey: key, Status: StatusActive, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Save(ctx, d))

	var raw string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT secret_key FROM devices WHERE device_id = 'dev1'`).Scan(&raw))
	assert.True(t, strings.HasPrefix(raw, "plain."))

	got, err := store.Get(ctx, "dev1", "bank-a")
	require.NoError(t, err)
	assert.Equal(t, key, got.SecretKey)
	assert.True(t, got.CanTransact())
	assert.True(t, got.LastSeen.IsZero())

	later := now.Add(time.Minute)
	require.NoError(t, store.TouchLastSeen(ctx, "dev1", "bank-a", later))
	require.NoError(t, store.TouchLastSeen(ctx, "dev1", "bank-a", now))
	got, _ = store.Get(ctx, "dev1", "bank-a")
	assert.True(t, later.Equal(got.LastSeen))

	assert.ErrorIs(t, store.TouchLastSeen(ctx, "dev1", "bank-b", now), ErrDeviceNotFound)

	got.IsActive = false
	require.NoError(t, store.Save(ctx, got))
	got, _ = store.Get(ctx, "dev1", "bank-a")
	assert.False(t, got.IsActive)

	got.Status = Status("BOGUS")
	assert.ErrorIs(t, store.Save(ctx, got), ErrInvalidStatus)
}

func TestPostgresStore_RollsBackWithTx(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, nil)
	a := NewAuthenticator(store)

	err := pgtx.NewSQLRunner(db).WithinTx(ctx, func(ctx context.Context) error {
		if _, err := a.Register(ctx, "bank-a", "dev1"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.Get(ctx, "dev1", "bank-a")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
