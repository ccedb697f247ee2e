package deviceauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/devicetrust/internal/keyvault"
	"github.com/mbd888/devicetrust/internal/pgtx"
)

// PostgresStore persists devices in PostgreSQL. Secret keys are sealed
// before they are written and opened on read.
type PostgresStore struct {
	db     *sql.DB
	sealer keyvault.Sealer
}

// NewPostgresStore creates a new PostgreSQL-backed device store. A nil
// sealer stores secrets with keyvault.PlainSealer.
func NewPostgresStore(db *sql.DB, sealer keyvault.Sealer) *PostgresStore {
	if sealer == nil {
		sealer = keyvault.PlainSealer{}
	}
	return &PostgresStore{db: db, sealer: sealer}
}

func (p *PostgresStore) Get(ctx context.Context, deviceID, clientID string) (*Device, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT device_id, client_id, secret_key, status, is_active, last_seen, created_at, updated_at
		FROM devices WHERE device_id = $1 AND client_id = $2`, deviceID, clientID)

	d := &Device{}
	var sealed, status string
	var lastSeen sql.NullTime
	err := row.Scan(&d.DeviceID, &d.ClientID, &sealed, &status, &d.IsActive, &lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	secret, err := p.sealer.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret for device %s: %w", deviceID, err)
	}
	d.SecretKey = string(secret)
	d.Status = Status(status)
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return d, nil
}

// Save inserts or replaces the device row for (DeviceID, ClientID).
func (p *PostgresStore) Save(ctx context.Context, d *Device) error {
	sealed, err := p.sealer.Seal(ctx, []byte(d.SecretKey))
	if err != nil {
		return fmt.Errorf("seal secret for device %s: %w", d.DeviceID, err)
	}
	_, err = pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO devices (device_id, client_id, secret_key, status, is_active, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, client_id) DO UPDATE
		SET secret_key = EXCLUDED.secret_key, status = EXCLUDED.status, is_active = EXCLUDED.is_active,
		    last_seen = EXCLUDED.last_seen, updated_at = EXCLUDED.updated_at`,
		d.DeviceID, d.ClientID, sealed, string(d.Status), d.IsActive,
		nullTime(d.LastSeen), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return ErrInvalidStatus
		}
		return err
	}
	return nil
}

func (p *PostgresStore) TouchLastSeen(ctx context.Context, deviceID, clientID string, ts time.Time) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE devices SET last_seen = GREATEST(COALESCE(last_seen, $3), $3)
		WHERE device_id = $1 AND client_id = $2`, deviceID, clientID, ts)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
