package fingerprint

import (
	"context"
	"time"
)

// Store persists fingerprints. Lookups return copies.
type Store interface {
	FindByCompositeHash(ctx context.Context, hash string) ([]*Fingerprint, error)
	FindByDeviceID(ctx context.Context, deviceID string) (*Fingerprint, error)
	// FindSimilarHardware returns fingerprints matching key. An empty
	// CPUArchitecture matches any architecture.
	FindSimilarHardware(ctx context.Context, key HardwareKey) ([]*Fingerprint, error)
	FindFraudulentSimilarHardware(ctx context.Context, manufacturer, model, board string) ([]*Fingerprint, error)
	// Save upserts by DeviceID. An existing app snapshot is never replaced.
	Save(ctx context.Context, f *Fingerprint) error
	MarkFraudulent(ctx context.Context, deviceID, reason string, ts time.Time) error
}
