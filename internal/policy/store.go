package policy

import "context"

// Store persists policy definitions.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context, organization string) ([]*Policy, error)
	// ActivePoliciesByOrg returns active policies ordered by ascending
	// priority, then creation time.
	ActivePoliciesByOrg(ctx context.Context, organization string) ([]*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}
