package fingerprint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/devicetrust/internal/pgtx"
)

// PostgresStore persists fingerprints in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fingerprint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectFingerprint = `
	SELECT f.device_id, f.manufacturer, f.model, f.device_name, f.board, f.brand, f.cpu_architecture, f.api_level,
	       f.width_pixels, f.height_pixels, f.density_dpi, f.sensor_types, f.sensor_count,
	       f.network_country_iso, f.sim_country_iso, f.phone_type,
	       f.composite_hash, f.hardware_hash, f.display_hash, f.sensor_hash, f.network_hash,
	       f.is_fraudulent, f.fraud_reported_at, f.fraud_reason, f.created_at, f.updated_at,
	       a.total_apps, a.user_apps, a.system_apps, a.apps, a.created_at
	FROM device_fingerprints f
	LEFT JOIN app_fingerprints a ON a.device_id = f.device_id`

func (p *PostgresStore) FindByCompositeHash(ctx context.Context, hash string) ([]*Fingerprint, error) {
	return p.query(ctx, selectFingerprint+` WHERE f.composite_hash = $1 ORDER BY f.device_id`, hash)
}

func (p *PostgresStore) FindByDeviceID(ctx context.Context, deviceID string) (*Fingerprint, error) {
	fps, err := p.query(ctx, selectFingerprint+` WHERE f.device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	if len(fps) == 0 {
		return nil, ErrFingerprintNotFound
	}
	return fps[0], nil
}

func (p *PostgresStore) FindSimilarHardware(ctx context.Context, key HardwareKey) ([]*Fingerprint, error) {
	return p.query(ctx, selectFingerprint+`
		WHERE f.manufacturer = $1 AND f.model = $2 AND f.board = $3
		  AND ($4 = '' OR f.cpu_architecture = $4)
		ORDER BY f.device_id`,
		key.Manufacturer, key.Model, key.Board, key.CPUArchitecture)
}

func (p *PostgresStore) FindFraudulentSimilarHardware(ctx context.Context, manufacturer, model, board string) ([]*Fingerprint, error) {
	return p.query(ctx, selectFingerprint+`
		WHERE f.is_fraudulent AND f.manufacturer = $1 AND f.model = $2 AND f.board = $3
		ORDER BY f.device_id`,
		manufacturer, model, board)
}

// Save upserts the fingerprint row. Fraud markings and the original
// creation time survive re-registration; an existing app snapshot is kept.
func (p *PostgresStore) Save(ctx context.Context, f *Fingerprint) error {
	conn := pgtx.Conn(ctx, p.db)
	_, err := conn.ExecContext(ctx, `
		INSERT INTO device_fingerprints (
			device_id, manufacturer, model, device_name, board, brand, cpu_architecture, api_level,
			width_pixels, height_pixels, density_dpi, sensor_types, sensor_count,
			network_country_iso, sim_country_iso, phone_type,
			composite_hash, hardware_hash, display_hash, sensor_hash, network_hash,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (device_id) DO UPDATE SET
			manufacturer = EXCLUDED.manufacturer, model = EXCLUDED.model, device_name = EXCLUDED.device_name,
			board = EXCLUDED.board, brand = EXCLUDED.brand, cpu_architecture = EXCLUDED.cpu_architecture,
			api_level = EXCLUDED.api_level, width_pixels = EXCLUDED.width_pixels,
			height_pixels = EXCLUDED.height_pixels, density_dpi = EXCLUDED.density_dpi,
			sensor_types = EXCLUDED.sensor_types, sensor_count = EXCLUDED.sensor_count,
			network_country_iso = EXCLUDED.network_country_iso, sim_country_iso = EXCLUDED.sim_country_iso,
			phone_type = EXCLUDED.phone_type, composite_hash = EXCLUDED.composite_hash,
			hardware_hash = EXCLUDED.hardware_hash, display_hash = EXCLUDED.display_hash,
			sensor_hash = EXCLUDED.sensor_hash, network_hash = EXCLUDED.network_hash,
			updated_at = EXCLUDED.updated_at`,
		f.DeviceID, f.Manufacturer, f.Model, f.DeviceName, f.Board, f.Brand, f.CPUArchitecture, f.APILevel,
		f.WidthPixels, f.HeightPixels, f.DensityDPI, pq.Array(f.SensorTypes), f.SensorCount,
		f.NetworkCountryISO, f.SIMCountryISO, f.PhoneType,
		f.CompositeHash, f.HardwareHash, f.DisplayHash, f.SensorHash, f.NetworkHash,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if f.App == nil {
		return nil
	}

	appsJSON, err := json.Marshal(f.App.Apps)
	if err != nil {
		return err
	}
	created := f.App.CreatedAt
	if created.IsZero() {
		created = f.UpdatedAt
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO app_fingerprints (device_id, total_apps, user_apps, system_apps, apps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO NOTHING`,
		f.DeviceID, f.App.TotalApps, f.App.UserApps, f.App.SystemApps, appsJSON, created,
	)
	return err
}

func (p *PostgresStore) MarkFraudulent(ctx context.Context, deviceID, reason string, ts time.Time) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE device_fingerprints
		SET is_fraudulent = TRUE, fraud_reason = $2, fraud_reported_at = $3, updated_at = $3
		WHERE device_id = $1`, deviceID, reason, ts)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFingerprintNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Fingerprint, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Fingerprint
	for rows.Next() {
		f, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row scanner) (*Fingerprint, error) {
	f := &Fingerprint{}
	var (
		fraudAt     sql.NullTime
		fraudReason sql.NullString
		totalApps   sql.NullInt64
		userApps    sql.NullInt64
		systemApps  sql.NullInt64
		appsJSON    []byte
		appCreated  sql.NullTime
	)
	err := row.Scan(
		&f.DeviceID, &f.Manufacturer, &f.Model, &f.DeviceName, &f.Board, &f.Brand, &f.CPUArchitecture, &f.APILevel,
		&f.WidthPixels, &f.HeightPixels, &f.DensityDPI, pq.Array(&f.SensorTypes), &f.SensorCount,
		&f.NetworkCountryISO, &f.SIMCountryISO, &f.PhoneType,
		&f.CompositeHash, &f.HardwareHash, &f.DisplayHash, &f.SensorHash, &f.NetworkHash,
		&f.IsFraudulent, &fraudAt, &fraudReason, &f.CreatedAt, &f.UpdatedAt,
		&totalApps, &userApps, &systemApps, &appsJSON, &appCreated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFingerprintNotFound
	}
	if err != nil {
		return nil, err
	}
	if fraudAt.Valid {
		f.FraudReportedAt = fraudAt.Time
	}
	f.FraudReason = fraudReason.String

	if totalApps.Valid {
		f.App = &AppFingerprint{
			TotalApps:  int(totalApps.Int64),
			UserApps:   int(userApps.Int64),
			SystemApps: int(systemApps.Int64),
			CreatedAt:  appCreated.Time,
		}
		if len(appsJSON) > 0 {
			if err := json.Unmarshal(appsJSON, &f.App.Apps); err != nil {
				return nil, fmt.Errorf("corrupt app inventory for device %s: %w", f.DeviceID, err)
			}
		}
	}
	return f, nil
}

var _ Store = (*PostgresStore)(nil)
