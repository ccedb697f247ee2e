package policy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/devicetrust/internal/pgtx"
)

// PostgresContextStore persists UserDeviceContext rows.
type PostgresContextStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresContextStore creates a PostgreSQL-backed context store.
func NewPostgresContextStore(db *sql.DB) *PostgresContextStore {
	return &PostgresContextStore{db: db, now: time.Now}
}

const contextColumns = `anonymized_user_id, device_id, organization, account_tier, account_age_days, kyc_level,
	daily_tx_count, daily_tx_amount, weekly_tx_count, weekly_tx_amount, monthly_tx_count, monthly_tx_amount,
	session_count, risk_score, is_location_changed, is_device_changed, is_dormant_account,
	failed_attempts_count, last_activity_at, version, created_at, updated_at`

// GetOrCreate inserts an empty row if none exists and reads it back. Inside a
// transaction the read takes a row lock held until commit.
func (p *PostgresContextStore) GetOrCreate(ctx context.Context, key ContextKey) (*UserDeviceContext, error) {
	conn := pgtx.Conn(ctx, p.db)
	now := p.now().UTC()
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO user_device_contexts (anonymized_user_id, device_id, organization, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (anonymized_user_id, device_id, organization) DO NOTHING`,
		key.AnonymizedUserID, key.DeviceID, key.Organization, now); err != nil {
		return nil, err
	}

	query := `SELECT ` + contextColumns + ` FROM user_device_contexts
		WHERE anonymized_user_id = $1 AND device_id = $2 AND organization = $3`
	if pgtx.InTx(ctx) {
		query += ` FOR UPDATE`
	}
	c := &UserDeviceContext{}
	var lastActivity sql.NullTime
	err := conn.QueryRowContext(ctx, query, key.AnonymizedUserID, key.DeviceID, key.Organization).Scan(
		&c.AnonymizedUserID, &c.DeviceID, &c.Organization, &c.AccountTier, &c.AccountAgeDays, &c.KYCLevel,
		&c.DailyTransactionCount, &c.DailyTransactionAmount, &c.WeeklyTransactionCount, &c.WeeklyTransactionAmount,
		&c.MonthlyTransactionCount, &c.MonthlyTransactionAmount,
		&c.SessionCount, &c.RiskScore, &c.IsLocationChanged, &c.IsDeviceChanged, &c.IsDormantAccount,
		&c.FailedAttemptsCount, &lastActivity, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		c.LastActivityAt = lastActivity.Time
	}
	return c, nil
}

// Save is an optimistic update on Version.
func (p *PostgresContextStore) Save(ctx context.Context, c *UserDeviceContext) error {
	var version int64
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		UPDATE user_device_contexts SET
			account_tier = $4, account_age_days = $5, kyc_level = $6,
			daily_tx_count = $7, daily_tx_amount = $8, weekly_tx_count = $9, weekly_tx_amount = $10,
			monthly_tx_count = $11, monthly_tx_amount = $12, session_count = $13, risk_score = $14,
			is_location_changed = $15, is_device_changed = $16, is_dormant_account = $17,
			failed_attempts_count = $18, last_activity_at = $19, updated_at = $20,
			version = version + 1
		WHERE anonymized_user_id = $1 AND device_id = $2 AND organization = $3 AND version = $21
		RETURNING version`,
		c.AnonymizedUserID, c.DeviceID, c.Organization,
		c.AccountTier, c.AccountAgeDays, c.KYCLevel,
		c.DailyTransactionCount, c.DailyTransactionAmount, c.WeeklyTransactionCount, c.WeeklyTransactionAmount,
		c.MonthlyTransactionCount, c.MonthlyTransactionAmount, c.SessionCount, c.RiskScore,
		c.IsLocationChanged, c.IsDeviceChanged, c.IsDormantAccount,
		c.FailedAttemptsCount, nullTime(c.LastActivityAt), c.UpdatedAt, c.Version,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrContextConflict
	}
	if err != nil {
		return err
	}
	c.Version = version
	return nil
}

var _ ContextStore = (*PostgresContextStore)(nil)
