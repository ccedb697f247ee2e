// Package fingerprint detects devices linked to confirmed fraud.
//
// At registration a device submits a snapshot of its stable characteristics.
// The Detector compares it with stored snapshots: an exact composite-hash hit
// is resolved by identity rules, otherwise a weighted similarity against
// known-fraudulent devices with the same hardware decides whether the
// registration is allowed, flagged for review or blocked.
package fingerprint

import (
	"errors"
	"time"
)

// Errors
var (
	ErrInvalidFingerprint  = errors.New("fingerprint: invalid fingerprint")
	ErrFingerprintNotFound = errors.New("fingerprint: not found")
)

// Fingerprint is the stable hardware, display, sensor and network profile of
// one physical device. It is keyed by DeviceID across all organizations.
type Fingerprint struct {
	DeviceID        string `json:"deviceId"`
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	DeviceName      string `json:"deviceName,omitempty"`
	Board           string `json:"board"`
	Brand           string `json:"brand,omitempty"`
	CPUArchitecture string `json:"cpuArchitecture,omitempty"`
	APILevel        int    `json:"apiLevel,omitempty"`

	WidthPixels  int `json:"widthPixels,omitempty"`
	HeightPixels int `json:"heightPixels,omitempty"`
	DensityDPI   int `json:"densityDpi,omitempty"`

	SensorTypes []string `json:"sensorTypes,omitempty"`
	SensorCount int      `json:"sensorCount,omitempty"`

	NetworkCountryISO string `json:"networkCountryIso,omitempty"`
	SIMCountryISO     string `json:"simCountryIso,omitempty"`
	PhoneType         string `json:"phoneType,omitempty"`

	CompositeHash string `json:"compositeHash,omitempty"`
	HardwareHash  string `json:"hardwareHash,omitempty"`
	DisplayHash   string `json:"displayHash,omitempty"`
	SensorHash    string `json:"sensorHash,omitempty"`
	NetworkHash   string `json:"networkHash,omitempty"`

	IsFraudulent    bool      `json:"isFraudulent"`
	FraudReportedAt time.Time `json:"fraudReportedAt,omitempty"`
	FraudReason     string    `json:"fraudReason,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	App *AppFingerprint `json:"app,omitempty"`
}

// AppFingerprint is the installed-package inventory captured with a
// fingerprint. It is written once with its parent.
type AppFingerprint struct {
	TotalApps  int       `json:"totalApps"`
	UserApps   int       `json:"userApps"`
	SystemApps int       `json:"systemApps"`
	Apps       []AppInfo `json:"apps,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// AppInfo describes one installed package.
type AppInfo struct {
	PackageName string    `json:"packageName"`
	IsSystem    bool      `json:"isSystem"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// UserPackages returns the set of user-installed package names.
func (a *AppFingerprint) UserPackages() map[string]struct{} {
	return a.packages(false)
}

// SystemPackages returns the set of system package names.
func (a *AppFingerprint) SystemPackages() map[string]struct{} {
	return a.packages(true)
}

func (a *AppFingerprint) packages(system bool) map[string]struct{} {
	set := make(map[string]struct{})
	for _, app := range a.Apps {
		if app.IsSystem == system && app.PackageName != "" {
			set[app.PackageName] = struct{}{}
		}
	}
	return set
}

// HardwareKey selects fingerprints sharing a hardware signature.
// CPUArchitecture is optional; empty matches any.
type HardwareKey struct {
	Manufacturer    string
	Model           string
	Board           string
	CPUArchitecture string
}

// HardwareKey returns the hardware signature of f.
func (f *Fingerprint) HardwareKey() HardwareKey {
	return HardwareKey{
		Manufacturer:    f.Manufacturer,
		Model:           f.Model,
		Board:           f.Board,
		CPUArchitecture: f.CPUArchitecture,
	}
}

// Validate checks the fields every analysis depends on.
func (f *Fingerprint) Validate() error {
	switch {
	case f == nil:
		return ErrInvalidFingerprint
	case f.DeviceID == "":
		return errors.Join(ErrInvalidFingerprint, errors.New("deviceId is required"))
	case f.Manufacturer == "":
		return errors.Join(ErrInvalidFingerprint, errors.New("manufacturer is required"))
	case f.Model == "":
		return errors.Join(ErrInvalidFingerprint, errors.New("model is required"))
	case f.Board == "":
		return errors.Join(ErrInvalidFingerprint, errors.New("board is required"))
	}
	return nil
}

func (f *Fingerprint) clone() *Fingerprint {
	cp := *f
	cp.SensorTypes = append([]string(nil), f.SensorTypes...)
	if f.App != nil {
		app := *f.App
		app.Apps = append([]AppInfo(nil), f.App.Apps...)
		cp.App = &app
	}
	return &cp
}
