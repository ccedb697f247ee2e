package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/devicetrust/internal/idgen"
	"github.com/mbd888/devicetrust/internal/logging"
)

// SeedFile is the YAML layout accepted by LoadSeedFile.
//
//	policies:
//	  - organization: acme
//	    name: single-transaction-cap
//	    policyType: TRANSACTION_LIMIT
//	    enforcementLevel: BLOCK
//	    priority: 1
//	    rules:
//	      - conditionField: transactionContext.amount
//	        operator: LESS_THAN_OR_EQUAL
//	        conditionValue: "10000"
type SeedFile struct {
	Policies []SeedPolicy `yaml:"policies"`
}

// SeedPolicy is one policy entry. IsActive defaults to true.
type SeedPolicy struct {
	Organization string           `yaml:"organization"`
	Name         string           `yaml:"name"`
	Type         PolicyType       `yaml:"policyType"`
	Enforcement  EnforcementLevel `yaml:"enforcementLevel"`
	Priority     int              `yaml:"priority"`
	IsActive     *bool            `yaml:"isActive"`
	Rules        []SeedRule       `yaml:"rules"`
}

// SeedRule is one rule entry. IsActive defaults to true.
type SeedRule struct {
	Field        string   `yaml:"conditionField"`
	Operator     Operator `yaml:"operator"`
	Value        string   `yaml:"conditionValue"`
	Priority     int      `yaml:"priority"`
	ErrorMessage string   `yaml:"errorMessage"`
	IsActive     *bool    `yaml:"isActive"`
}

// LoadSeedFile parses and validates a seed file. Nothing is written.
func LoadSeedFile(path string) ([]*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed converts YAML seed data into validated policies.
func ParseSeed(data []byte) ([]*Policy, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	now := time.Now().UTC()
	out := make([]*Policy, 0, len(f.Policies))
	for i, sp := range f.Policies {
		p := &Policy{
			ID:           idgen.New(),
			Organization: sp.Organization,
			Name:         sp.Name,
			Type:         sp.Type,
			Enforcement:  sp.Enforcement,
			IsActive:     boolOr(sp.IsActive, true),
			Priority:     sp.Priority,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		for _, sr := range sp.Rules {
			p.Rules = append(p.Rules, Rule{
				ID:           idgen.New(),
				Field:        sr.Field,
				Operator:     sr.Operator,
				Value:        sr.Value,
				Priority:     sr.Priority,
				ErrorMessage: sr.ErrorMessage,
				IsActive:     boolOr(sr.IsActive, true),
			})
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("seed policy %d (%s): %w", i, sp.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Seed creates each policy, skipping names that already exist in their
// organization. It returns the number created.
func Seed(ctx context.Context, store Store, policies []*Policy) (int, error) {
	created := 0
	for _, p := range policies {
		err := store.Create(ctx, p)
		if errors.Is(err, ErrNameTaken) {
			logging.L(ctx).Info("seed policy already exists, skipping",
				zap.String("organization", p.Organization), zap.String("name", p.Name))
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed policy %s/%s: %w", p.Organization, p.Name, err)
		}
		created++
	}
	return created, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
