package policy

import (
	"context"
	"database/sql"

	"github.com/mbd888/devicetrust/internal/pgtx"
)

// PostgresViolationStore persists violations.
type PostgresViolationStore struct {
	db *sql.DB
}

// NewPostgresViolationStore creates a PostgreSQL-backed violation store.
func NewPostgresViolationStore(db *sql.DB) *PostgresViolationStore {
	return &PostgresViolationStore{db: db}
}

func (p *PostgresViolationStore) Save(ctx context.Context, v *Violation) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO policy_violations (id, device_id, anonymized_user_id, organization, policy_id, policy_name,
			rule_id, action_taken, request_details, violation_details, severity_score, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.DeviceID, v.AnonymizedUserID, v.Organization, v.PolicyID, v.PolicyName,
		v.RuleID, string(v.ActionTaken), v.RequestDetails, v.ViolationDetails,
		v.SeverityScore, v.RiskScore, v.CreatedAt,
	)
	return err
}

func (p *PostgresViolationStore) ListByDevice(ctx context.Context, deviceID string, limit int, opts ...ListOption) ([]*Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	o := applyListOpts(opts)

	query := `
		SELECT id, device_id, anonymized_user_id, organization, policy_id, policy_name, rule_id,
		       action_taken, request_details, violation_details, severity_score, risk_score, created_at
		FROM policy_violations WHERE device_id = $1`
	args := []any{deviceID}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, limit, o.cursor.CreatedAt, o.cursor.ID)
	} else {
		args = append(args, limit)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Violation
	for rows.Next() {
		v := &Violation{}
		var action string
		if err := rows.Scan(&v.ID, &v.DeviceID, &v.AnonymizedUserID, &v.Organization, &v.PolicyID,
			&v.PolicyName, &v.RuleID, &action, &v.RequestDetails, &v.ViolationDetails,
			&v.SeverityScore, &v.RiskScore, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.ActionTaken = EnforcementLevel(action)
		result = append(result, v)
	}
	return result, rows.Err()
}

var _ ViolationStore = (*PostgresViolationStore)(nil)
