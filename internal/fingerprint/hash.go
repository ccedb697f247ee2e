package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// ComputeHashes fills any empty hash field of f. Each dimension hashes a
// "|"-joined rendering of its attributes; the composite hash covers all of
// them. Sensor types are sorted first so ordering on the device is irrelevant.
func ComputeHashes(f *Fingerprint) {
	hw := join(f.Manufacturer, f.Model, f.DeviceName, f.Board, f.Brand, f.CPUArchitecture, strconv.Itoa(f.APILevel))
	display := join(strconv.Itoa(f.WidthPixels), strconv.Itoa(f.HeightPixels), strconv.Itoa(f.DensityDPI))

	sensors := append([]string(nil), f.SensorTypes...)
	sort.Strings(sensors)
	sensor := join(strings.Join(sensors, ","), strconv.Itoa(f.SensorCount))
	network := join(f.NetworkCountryISO, f.SIMCountryISO, f.PhoneType)

	if f.HardwareHash == "" {
		f.HardwareHash = sum(hw)
	}
	if f.DisplayHash == "" {
		f.DisplayHash = sum(display)
	}
	if f.SensorHash == "" {
		f.SensorHash = sum(sensor)
	}
	if f.NetworkHash == "" {
		f.NetworkHash = sum(network)
	}
	if f.CompositeHash == "" {
		f.CompositeHash = sum(join(hw, display, sensor, network))
	}
}

func join(parts ...string) string {
	return strings.Join(parts, "|")
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
