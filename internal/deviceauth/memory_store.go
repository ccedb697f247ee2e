package deviceauth

import (
	"context"
	"sync"
	"time"
)

type deviceKey struct{ deviceID, clientID string }

// MemoryStore is an in-memory device store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[deviceKey]*Device
}

// NewMemoryStore creates a new in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[deviceKey]*Device)}
}

func (m *MemoryStore) Get(_ context.Context, deviceID, clientID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceKey{deviceID, clientID}]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.devices[deviceKey{d.DeviceID, d.ClientID}] = &cp
	return nil
}

func (m *MemoryStore) TouchLastSeen(_ context.Context, deviceID, clientID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceKey{deviceID, clientID}]
	if !ok {
		return ErrDeviceNotFound
	}
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
