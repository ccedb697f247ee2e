package deviceauth

import (
	"context"
	"time"
)

// Store persists device credentials keyed by (deviceID, clientID).
type Store interface {
	Get(ctx context.Context, deviceID, clientID string) (*Device, error)
	Save(ctx context.Context, d *Device) error
	TouchLastSeen(ctx context.Context, deviceID, clientID string, ts time.Time) error
}
