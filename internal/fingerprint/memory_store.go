package fingerprint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory fingerprint store for tests and demo mode.
type MemoryStore struct {
	mu  sync.RWMutex
	fps map[string]*Fingerprint // deviceID -> fingerprint
}

// NewMemoryStore creates a new in-memory fingerprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fps: make(map[string]*Fingerprint)}
}

func (m *MemoryStore) FindByCompositeHash(_ context.Context, hash string) ([]*Fingerprint, error) {
	return m.filter(func(f *Fingerprint) bool { return f.CompositeHash == hash }), nil
}

func (m *MemoryStore) FindByDeviceID(_ context.Context, deviceID string) (*Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.fps[deviceID]
	if !ok {
		return nil, ErrFingerprintNotFound
	}
	return f.clone(), nil
}

func (m *MemoryStore) FindSimilarHardware(_ context.Context, key HardwareKey) ([]*Fingerprint, error) {
	return m.filter(func(f *Fingerprint) bool {
		return f.Manufacturer == key.Manufacturer && f.Model == key.Model && f.Board == key.Board &&
			(key.CPUArchitecture == "" || f.CPUArchitecture == key.CPUArchitecture)
	}), nil
}

func (m *MemoryStore) FindFraudulentSimilarHardware(_ context.Context, manufacturer, model, board string) ([]*Fingerprint, error) {
	return m.filter(func(f *Fingerprint) bool {
		return f.IsFraudulent && f.Manufacturer == manufacturer && f.Model == model && f.Board == board
	}), nil
}

func (m *MemoryStore) Save(_ context.Context, f *Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := f.clone()
	if existing, ok := m.fps[f.DeviceID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.IsFraudulent = existing.IsFraudulent
		cp.FraudReportedAt = existing.FraudReportedAt
		cp.FraudReason = existing.FraudReason
		if existing.App != nil {
			cp.App = existing.App
		}
	}
	m.fps[f.DeviceID] = cp
	return nil
}

func (m *MemoryStore) MarkFraudulent(_ context.Context, deviceID, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fps[deviceID]
	if !ok {
		return ErrFingerprintNotFound
	}
	f.IsFraudulent = true
	f.FraudReason = reason
	f.FraudReportedAt = ts
	f.UpdatedAt = ts
	return nil
}

// filter returns copies of matching fingerprints ordered by device id.
func (m *MemoryStore) filter(match func(*Fingerprint) bool) []*Fingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Fingerprint
	for _, f := range m.fps {
		if match(f) {
			out = append(out, f.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

var _ Store = (*MemoryStore)(nil)
