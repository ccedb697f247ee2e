// Package deviceauth authenticates signed requests from registered devices.
//
// Every (device, organization) pairing holds its own 256-bit secret. Requests
// carry a base64 HMAC-SHA256 over a caller-built canonical string; the
// signature is checked in constant time and any malformed input is treated
// as a failed verification.
package deviceauth

import (
	"errors"
	"time"
)

// Errors
var (
	ErrDeviceNotFound     = errors.New("deviceauth: device not found")
	ErrDeviceExists       = errors.New("deviceauth: device already registered for this client")
	ErrDeviceInactive     = errors.New("deviceauth: device is not allowed to transact")
	ErrSignatureMismatch  = errors.New("deviceauth: signature mismatch")
	ErrMalformedSignature = errors.New("deviceauth: malformed signature")
	ErrInvalidKey         = errors.New("deviceauth: invalid secret key")
	ErrInvalidStatus      = errors.New("deviceauth: invalid device status")
)

// Status is the administrative state of a device credential.
type Status string

const (
	StatusActive             Status = "ACTIVE"
	StatusTemporarilyBlocked Status = "TEMPORARILY_BLOCKED"
	StatusPermanentlyBlocked Status = "PERMANENTLY_BLOCKED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTemporarilyBlocked, StatusPermanentlyBlocked:
		return true
	}
	return false
}

// Device is a credential issued to one physical device for one client
// organization.
type Device struct {
	DeviceID  string    `json:"deviceId"`
	ClientID  string    `json:"clientId"`
	SecretKey string    `json:"-"`
	Status    Status    `json:"status"`
	IsActive  bool      `json:"isActive"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanTransact reports whether the device may make authenticated requests.
func (d *Device) CanTransact() bool {
	return d.IsActive && d.Status == StatusActive
}
