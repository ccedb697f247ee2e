package fingerprint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/audit"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/traces"
)

// Status is the outcome of a fraud analysis.
type Status string

const (
	StatusAllowed Status = "ALLOWED"
	StatusFlagged Status = "FLAGGED" // allowed, queued for manual review
	StatusBlocked Status = "BLOCKED"
)

// Reason explains which rule produced a decision.
type Reason string

const (
	ReasonNoMatch             Reason = "NO_MATCH"
	ReasonKnownFraud          Reason = "KNOWN_FRAUD_MATCH"
	ReasonSameDevice          Reason = "SAME_DEVICE"
	ReasonTenantSuffix        Reason = "TENANT_SUFFIX_MATCH"
	ReasonHashCollision       Reason = "HASH_COLLISION"
	ReasonSimilarToFraud      Reason = "SIMILAR_TO_FRAUD"
	ReasonHardwareDensity     Reason = "HIGH_HARDWARE_DENSITY"
	ReasonAnalysisUnavailable Reason = "ANALYSIS_UNAVAILABLE"
)

// Decision is the result of Analyze.
type Decision struct {
	Status            Status  `json:"status"`
	Reason            Reason  `json:"reason"`
	Similarity        float64 `json:"similarity"`
	ReferenceDeviceID string  `json:"referenceDeviceId,omitempty"`
	Note              string  `json:"note,omitempty"`
}

// Thresholds tune the detector.
type Thresholds struct {
	Block        float64 // similarity to known fraud at or above this blocks
	Flag         float64 // at or above this flags
	DensityLimit int     // more fingerprints than this on one hardware signature flags
	DensityScore float64 // similarity reported for a density flag
}

// DefaultThresholds are the production thresholds.
var DefaultThresholds = Thresholds{
	Block:        0.90,
	Flag:         0.70,
	DensityLimit: 10,
	DensityScore: 0.6,
}

// FraudReport is returned when a device is marked fraudulent.
type FraudReport struct {
	DeviceID   string    `json:"deviceId"`
	Reason     string    `json:"reason"`
	ReportedAt time.Time `json:"reportedAt"`
	// ReviewCandidates share the device's hardware signature. They are not
	// blocked; they are surfaced for manual review.
	ReviewCandidates []string `json:"reviewCandidates"`
}

// Detector analyzes registration fingerprints against known fraud.
type Detector struct {
	store      Store
	thresholds Thresholds
	publisher  audit.Publisher
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) { d.thresholds = t }
}

// WithPublisher sends flagged/blocked decisions and fraud markings to p.
func WithPublisher(p audit.Publisher) Option {
	return func(d *Detector) { d.publisher = p }
}

// NewDetector creates a detector over store.
func NewDetector(store Store, opts ...Option) *Detector {
	d := &Detector{
		store:      store,
		thresholds: DefaultThresholds,
		publisher:  audit.NopPublisher{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate reports ErrInvalidFingerprint when fp, stored as deviceID, lacks a
// field analysis depends on. Callers check it before Analyze so that only
// detector faults take the fail-open path.
func (d *Detector) Validate(deviceID string, fp *Fingerprint) error {
	if fp == nil {
		return ErrInvalidFingerprint
	}
	cp := fp.clone()
	cp.DeviceID = deviceID
	return cp.Validate()
}

// Analyze classifies a registering device. It never returns an error: if the
// analysis itself fails the device is allowed with a monitoring note, so a
// detector fault cannot lock legitimate users out of onboarding.
func (d *Detector) Analyze(ctx context.Context, deviceID string, fp *Fingerprint) (dec Decision) {
	ctx, span := traces.StartSpan(ctx, "fingerprint.Analyze", traces.DeviceID(deviceID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			dec = d.failOpen(ctx, deviceID, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(traces.Decision(string(dec.Status)))
		metrics.FraudDecisionsTotal.WithLabelValues(string(dec.Status), string(dec.Reason)).Inc()
		if dec.Status != StatusAllowed {
			d.publisher.Publish(ctx, audit.NewEvent(audit.TypeFraudDecision, deviceID, "", dec))
		}
	}()

	result, err := d.analyze(ctx, deviceID, fp)
	if err != nil {
		traces.RecordError(span, err)
		return d.failOpen(ctx, deviceID, err)
	}
	return result
}

func (d *Detector) failOpen(ctx context.Context, deviceID string, err error) Decision {
	metrics.FraudAnalysisErrorsTotal.Inc()
	logging.L(ctx).Warn("fraud analysis failed, allowing device",
		zap.String("device_id", deviceID), zap.Error(err))
	return Decision{Status: StatusAllowed, Reason: ReasonAnalysisUnavailable, Note: "analysis unavailable"}
}

func (d *Detector) analyze(ctx context.Context, deviceID string, in *Fingerprint) (Decision, error) {
	if in == nil {
		return Decision{}, ErrInvalidFingerprint
	}
	fp := in.clone()
	fp.DeviceID = deviceID
	ComputeHashes(fp)

	// 1. Exact composite-hash match.
	matches, err := d.store.FindByCompositeHash(ctx, fp.CompositeHash)
	if err != nil {
		return Decision{}, fmt.Errorf("find by composite hash: %w", err)
	}
	if dec, ok := exactMatch(deviceID, matches); ok {
		return dec, nil
	}

	// 2. Similarity to known fraud on the same hardware.
	frauds, err := d.store.FindFraudulentSimilarHardware(ctx, fp.Manufacturer, fp.Model, fp.Board)
	if err != nil {
		return Decision{}, fmt.Errorf("find fraudulent similar hardware: %w", err)
	}
	var best float64
	var bestID string
	for _, f := range frauds {
		if s := Similarity(fp, f); s > best {
			best, bestID = s, f.DeviceID
		}
	}
	switch {
	case bestID != "" && best >= d.thresholds.Block:
		return Decision{Status: StatusBlocked, Reason: ReasonSimilarToFraud, Similarity: best, ReferenceDeviceID: bestID}, nil
	case bestID != "" && best >= d.thresholds.Flag:
		return Decision{Status: StatusFlagged, Reason: ReasonSimilarToFraud, Similarity: best, ReferenceDeviceID: bestID}, nil
	}

	// 3. Too many devices on one hardware signature.
	population, err := d.store.FindSimilarHardware(ctx, fp.HardwareKey())
	if err != nil {
		return Decision{}, fmt.Errorf("find similar hardware: %w", err)
	}
	distinct := make(map[string]struct{}, len(population))
	for _, f := range population {
		if f.DeviceID != deviceID {
			distinct[f.DeviceID] = struct{}{}
		}
	}
	if len(distinct) > d.thresholds.DensityLimit {
		return Decision{
			Status:     StatusFlagged,
			Reason:     ReasonHardwareDensity,
			Similarity: d.thresholds.DensityScore,
			Note:       fmt.Sprintf("%d devices share this hardware signature", len(distinct)),
		}, nil
	}

	return Decision{Status: StatusAllowed, Reason: ReasonNoMatch}, nil
}

// exactMatch resolves a composite-hash hit. A fraudulent match always wins;
// otherwise the same device or a tenant-suffixed binding of it is a benign
// re-registration, and anything else is allowed but annotated.
func exactMatch(deviceID string, matches []*Fingerprint) (Decision, bool) {
	if len(matches) == 0 {
		return Decision{}, false
	}
	for _, m := range matches {
		if m.IsFraudulent {
			return Decision{Status: StatusBlocked, Reason: ReasonKnownFraud, Similarity: 1.0, ReferenceDeviceID: m.DeviceID}, true
		}
	}
	for _, m := range matches {
		if m.DeviceID == deviceID {
			return Decision{Status: StatusAllowed, Reason: ReasonSameDevice, ReferenceDeviceID: m.DeviceID}, true
		}
	}
	for _, m := range matches {
		if SameDeviceAcrossTenants(deviceID, m.DeviceID) {
			return Decision{Status: StatusAllowed, Reason: ReasonTenantSuffix, ReferenceDeviceID: m.DeviceID}, true
		}
	}
	return Decision{
		Status:            StatusAllowed,
		Reason:            ReasonHashCollision,
		ReferenceDeviceID: matches[0].DeviceID,
		Note:              "identical fingerprint registered under a different device id",
	}, true
}

// SameDeviceAcrossTenants reports whether one id is the other with a
// "_<suffix>" appended, the convention for binding one physical device to
// several organizations.
func SameDeviceAcrossTenants(a, b string) bool {
	return hasTenantSuffix(a, b) || hasTenantSuffix(b, a)
}

func hasTenantSuffix(long, base string) bool {
	return base != "" && len(long) > len(base)+1 && strings.HasPrefix(long, base+"_")
}

// Persist stores the fingerprint for deviceID, replacing an earlier snapshot.
func (d *Detector) Persist(ctx context.Context, deviceID string, in *Fingerprint) error {
	if err := d.Validate(deviceID, in); err != nil {
		return err
	}
	fp := in.clone()
	fp.DeviceID = deviceID
	ComputeHashes(fp)

	now := d.now().UTC()
	fp.CreatedAt, fp.UpdatedAt = now, now
	fp.IsFraudulent, fp.FraudReason, fp.FraudReportedAt = false, "", time.Time{}
	if fp.App != nil && fp.App.CreatedAt.IsZero() {
		fp.App.CreatedAt = now
	}
	if err := d.store.Save(ctx, fp); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// MarkAsFraudulent records confirmed fraud on a device and returns the other
// devices sharing its hardware signature for review. Calling it twice
// records twice; callers deduplicate retries.
func (d *Detector) MarkAsFraudulent(ctx context.Context, deviceID, reason string) (*FraudReport, error) {
	fp, err := d.store.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	if err := d.store.MarkFraudulent(ctx, deviceID, reason, now); err != nil {
		return nil, fmt.Errorf("mark fraudulent: %w", err)
	}
	metrics.FraudMarkingsTotal.Inc()

	key := fp.HardwareKey()
	key.CPUArchitecture = ""
	similar, err := d.store.FindSimilarHardware(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find similar hardware: %w", err)
	}
	report := &FraudReport{DeviceID: deviceID, Reason: reason, ReportedAt: now, ReviewCandidates: []string{}}
	for _, f := range similar {
		if f.DeviceID != deviceID {
			report.ReviewCandidates = append(report.ReviewCandidates, f.DeviceID)
		}
	}

	logging.L(ctx).Info("device marked fraudulent",
		zap.String("device_id", deviceID),
		zap.Int("review_candidates", len(report.ReviewCandidates)))
	d.publisher.Publish(ctx, audit.NewEvent(audit.TypeFraudMarked, deviceID, "", report))
	return report, nil
}

// Lookup returns the stored fingerprint of deviceID.
func (d *Detector) Lookup(ctx context.Context, deviceID string) (*Fingerprint, error) {
	return d.store.FindByDeviceID(ctx, deviceID)
}
