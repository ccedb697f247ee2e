package policy

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

// PostgresStore persists policies in PostgreSQL. Rules are stored as JSONB
// on the policy row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policyColumns = `id, organization, name, policy_type, enforcement, is_active, priority, rules, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pol *Policy) error {
	rulesJSON, err := json.Marshal(pol.Rules)
	if err != nil {
		return err
	}
	_, err = pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pol.ID, pol.Organization, pol.Name, string(pol.Type), string(pol.Enforcement),
		pol.IsActive, pol.Priority, rulesJSON, pol.CreatedAt, pol.UpdatedAt,
	)
	return mapWriteError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

func (p *PostgresStore) List(ctx context.Context, organization string) ([]*Policy, error) {
	return p.query(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE organization = $1
		ORDER BY priority ASC, created_at ASC`, organization)
}

func (p *PostgresStore) ActivePoliciesByOrg(ctx context.Context, organization string) ([]*Policy, error) {
	return p.query(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE organization = $1 AND is_active
		ORDER BY priority ASC, created_at ASC`, organization)
}

func (p *PostgresStore) Update(ctx context.Context, pol *Policy) error {
	rulesJSON, err := json.Marshal(pol.Rules)
	if err != nil {
		return err
	}
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE policies
		SET name = $1, policy_type = $2, enforcement = $3, is_active = $4, priority = $5, rules = $6, updated_at = $7
		WHERE id = $8 AND organization = $9`,
		pol.Name, string(pol.Type), string(pol.Enforcement), pol.IsActive, pol.Priority, rulesJSON,
		pol.UpdatedAt, pol.ID, pol.Organization,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return expectOneRow(result, ErrPolicyNotFound)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrPolicyNotFound)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Policy, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pol)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*Policy, error) {
	pol := &Policy{}
	var rulesJSON []byte
	var policyType, enforcement string
	err := row.Scan(&pol.ID, &pol.Organization, &pol.Name, &policyType, &enforcement,
		&pol.IsActive, &pol.Priority, &rulesJSON, &pol.CreatedAt, &pol.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalRules(rulesJSON, &pol.Rules); err != nil {
		return nil, fmt.Errorf("corrupt rules for policy %s: %w", pol.ID, err)
	}
	pol.Type = PolicyType(policyType)
	pol.Enforcement = EnforcementLevel(enforcement)
	return pol, nil
}

// unmarshalRules decodes rules JSONB, returning an error on corruption
// instead of silently returning empty rules (which would fail-open).
func unmarshalRules(data []byte, rules *[]Rule) error {
	if len(data) == 0 {
		*rules = nil
		return nil
	}
	return json.Unmarshal(data, rules)
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrNameTaken
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalidPolicy, pqErr.Message)
		}
	}
	return err
}

func expectOneRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// nullTime converts a zero time to sql.NullTime{Valid: false}.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
