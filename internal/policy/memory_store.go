package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check name uniqueness within organization.
	for _, existing := range m.policies {
		if existing.Organization == p.Organization && existing.Name == p.Name {
			return ErrNameTaken
		}
	}
	m.policies[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, organization string) ([]*Policy, error) {
	return m.list(organization, false), nil
}

func (m *MemoryStore) ActivePoliciesByOrg(_ context.Context, organization string) ([]*Policy, error) {
	return m.list(organization, true), nil
}

func (m *MemoryStore) list(organization string, activeOnly bool) []*Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Policy
	for _, p := range m.policies {
		if p.Organization == organization && (!activeOnly || p.IsActive) {
			result = append(result, p.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) Update(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}

	// Check name uniqueness within organization (excluding self).
	for _, existing := range m.policies {
		if existing.ID != p.ID && existing.Organization == p.Organization && existing.Name == p.Name {
			return ErrNameTaken
		}
	}
	m.policies[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

// MemoryContextStore is an in-memory ContextStore.
type MemoryContextStore struct {
	mu       sync.Mutex
	contexts map[ContextKey]*UserDeviceContext
	now      func() time.Time
}

// NewMemoryContextStore creates an in-memory context store.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{contexts: make(map[ContextKey]*UserDeviceContext), now: time.Now}
}

func (m *MemoryContextStore) GetOrCreate(_ context.Context, key ContextKey) (*UserDeviceContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[key]
	if !ok {
		now := m.now().UTC()
		c = &UserDeviceContext{
			AnonymizedUserID: key.AnonymizedUserID,
			DeviceID:         key.DeviceID,
			Organization:     key.Organization,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		m.contexts[key] = c
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryContextStore) Save(_ context.Context, c *UserDeviceContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.contexts[c.Key()]
	if ok && existing.Version != c.Version {
		return ErrContextConflict
	}
	c.Version++
	cp := *c
	m.contexts[c.Key()] = &cp
	return nil
}

// MemoryViolationStore is an in-memory ViolationStore.
type MemoryViolationStore struct {
	mu         sync.RWMutex
	violations []*Violation
}

// NewMemoryViolationStore creates an in-memory violation store.
func NewMemoryViolationStore() *MemoryViolationStore {
	return &MemoryViolationStore{}
}

func (m *MemoryViolationStore) Save(_ context.Context, v *Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *v
	m.violations = append(m.violations, &cp)
	return nil
}

func (m *MemoryViolationStore) ListByDevice(_ context.Context, deviceID string, limit int, opts ...ListOption) ([]*Violation, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	var result []*Violation
	for _, v := range m.violations {
		if v.DeviceID == deviceID && o.cursor.Follows(v.CreatedAt, v.ID) {
			cp := *v
			result = append(result, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ ContextStore   = (*MemoryContextStore)(nil)
	_ ViolationStore = (*MemoryViolationStore)(nil)
)
