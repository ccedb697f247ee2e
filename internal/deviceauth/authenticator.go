package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/traces"
)

// Authenticator verifies device signatures and manages device credentials.
type Authenticator struct {
	store Store
	now   func() time.Time
}

// NewAuthenticator creates an authenticator backed by store.
func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// Authenticate checks that signature is the device's HMAC over canonical.
// On success the device's last-seen time is refreshed and the device is
// returned. Every failure is a denial; there is no fallback.
func (a *Authenticator) Authenticate(ctx context.Context, deviceID, clientID, signature, canonical string) (*Device, error) {
	ctx, span := traces.StartSpan(ctx, "deviceauth.Authenticate",
		traces.DeviceID(deviceID), traces.ClientID(clientID))
	defer span.End()

	d, err := a.authenticate(ctx, deviceID, clientID, signature, canonical)
	result := authResult(err)
	metrics.AuthAttemptsTotal.WithLabelValues(result).Inc()
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Info("device authentication rejected",
			zap.String("device_id", deviceID),
			zap.String("client_id", clientID),
			zap.String("result", result))
		return nil, err
	}
	return d, nil
}

func (a *Authenticator) authenticate(ctx context.Context, deviceID, clientID, signature, canonical string) (*Device, error) {
	d, err := a.store.Get(ctx, deviceID, clientID)
	if err != nil {
		return nil, err
	}
	if !d.CanTransact() {
		return nil, ErrDeviceInactive
	}
	if err := VerifyStrict(d.SecretKey, canonical, signature); err != nil {
		return nil, err
	}

	ts := a.now().UTC()
	if err := a.store.TouchLastSeen(ctx, deviceID, clientID, ts); err != nil {
		return nil, fmt.Errorf("touch last seen: %w", err)
	}
	d.LastSeen = ts
	return d, nil
}

func authResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, ErrDeviceInactive):
		return "inactive"
	case errors.Is(err, ErrMalformedSignature), errors.Is(err, ErrInvalidKey):
		return "malformed"
	case errors.Is(err, ErrSignatureMismatch):
		return "mismatch"
	default:
		return "error"
	}
}

// Registration is the result of Register. SecretKey is only ever returned here.
type Registration struct {
	Device    *Device `json:"device"`
	SecretKey string  `json:"secretKey"`
}

// Register issues a fresh credential for deviceID under clientID. An empty
// deviceID gets a generated one. Registering an existing active pairing
// returns ErrDeviceExists; a revoked pairing is re-issued.
func (a *Authenticator) Register(ctx context.Context, clientID, deviceID string) (*Registration, error) {
	if clientID == "" {
		return nil, errors.New("deviceauth: client id required")
	}
	if deviceID == "" {
		id, err := GenerateDeviceID()
		if err != nil {
			return nil, err
		}
		deviceID = id
	}

	existing, err := a.store.Get(ctx, deviceID, clientID)
	switch {
	case err == nil && existing.IsActive:
		return nil, ErrDeviceExists
	case err != nil && !errors.Is(err, ErrDeviceNotFound):
		return nil, err
	}

	secret, err := GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	d := &Device{
		DeviceID:  deviceID,
		ClientID:  clientID,
		SecretKey: secret,
		Status:    StatusActive,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		d.CreatedAt = existing.CreatedAt
	}
	if err := a.store.Save(ctx, d); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("device registered",
		zap.String("device_id", deviceID), zap.String("client_id", clientID))

	out := *d
	out.SecretKey = ""
	return &Registration{Device: &out, SecretKey: secret}, nil
}

// Revoke deactivates the credential. The row is kept.
func (a *Authenticator) Revoke(ctx context.Context, deviceID, clientID string) error {
	d, err := a.store.Get(ctx, deviceID, clientID)
	if err != nil {
		return err
	}
	d.IsActive = false
	d.UpdatedAt = a.now().UTC()
	return a.store.Save(ctx, d)
}

// SetStatus changes the administrative status of a device.
func (a *Authenticator) SetStatus(ctx context.Context, deviceID, clientID string, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	d, err := a.store.Get(ctx, deviceID, clientID)
	if err != nil {
		return err
	}
	d.Status = status
	d.UpdatedAt = a.now().UTC()
	return a.store.Save(ctx, d)
}

// Lookup returns the device without its secret key.
func (a *Authenticator) Lookup(ctx context.Context, deviceID, clientID string) (*Device, error) {
	d, err := a.store.Get(ctx, deviceID, clientID)
	if err != nil {
		return nil, err
	}
	d.SecretKey = ""
	return d, nil
}
