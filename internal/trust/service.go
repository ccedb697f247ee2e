// Package trust exposes the device trust decisions as one service:
// signature authentication, fingerprint fraud analysis and policy evaluation,
// plus an atomic authenticate-then-evaluate call for signed requests.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/deviceauth"
	"github.com/mbd888/devicetrust/internal/fingerprint"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/pgtx"
	"github.com/mbd888/devicetrust/internal/policy"
	"github.com/mbd888/devicetrust/internal/retry"
	"github.com/mbd888/devicetrust/internal/syncutil"
	"github.com/mbd888/devicetrust/internal/traces"
)

// ErrOrganizationMismatch rejects a signed request that names an
// organization other than the client its device is registered under.
var ErrOrganizationMismatch = errors.New("trust: organization does not match the device's client")

// conflictBackoff bounds retries of AuthorizeRequest after a concurrent
// update of the same user device context.
var conflictBackoff = retry.Backoff{
	Attempts:  3,
	BaseDelay: 10 * time.Millisecond,
	MaxDelay:  50 * time.Millisecond,
	Retryable: func(err error) bool { return errors.Is(err, policy.ErrContextConflict) },
}

// Service wires the authenticator, the fraud detector and the policy engine.
type Service struct {
	auth     *deviceauth.Authenticator
	detector *fingerprint.Detector
	engine   *policy.Engine
	runner   pgtx.Runner
	locks    *syncutil.KeyedMutex
}

// New creates a Service. runner scopes AuthorizeRequest; use
// pgtx.NewSQLRunner for PostgreSQL stores and pgtx.NopRunner{} for memory.
func New(auth *deviceauth.Authenticator, detector *fingerprint.Detector, engine *policy.Engine, runner pgtx.Runner) *Service {
	if runner == nil {
		runner = pgtx.NopRunner{}
	}
	return &Service{
		auth:     auth,
		detector: detector,
		engine:   engine,
		runner:   runner,
		locks:    syncutil.NewKeyedMutex(0),
	}
}

// Authenticate reports whether signature is valid for canonical under the
// device's secret. Rejections (unknown or inactive device, malformed or
// mismatched signature) are false with a nil error; only storage failures
// return an error.
func (s *Service) Authenticate(ctx context.Context, deviceID, clientID, signature, canonical string) (bool, error) {
	_, err := s.auth.Authenticate(ctx, deviceID, clientID, signature, canonical)
	switch {
	case err == nil:
		return true, nil
	case IsAuthFailure(err):
		return false, nil
	default:
		return false, err
	}
}

// AnalyzeFingerprint rejects a fingerprint missing required fields with
// fingerprint.ErrInvalidFingerprint. Otherwise it cannot fail; see
// fingerprint.Detector.Analyze.
func (s *Service) AnalyzeFingerprint(ctx context.Context, deviceID string, fp *fingerprint.Fingerprint) (fingerprint.Decision, error) {
	if err := s.detector.Validate(deviceID, fp); err != nil {
		return fingerprint.Decision{}, err
	}
	return s.detector.Analyze(ctx, deviceID, fp), nil
}

// PersistFingerprint stores fp as the fingerprint of deviceID.
func (s *Service) PersistFingerprint(ctx context.Context, deviceID string, fp *fingerprint.Fingerprint) error {
	return s.detector.Persist(ctx, deviceID, fp)
}

// Onboard analyzes fp and persists it unless the decision is BLOCKED. An
// invalid fingerprint is rejected before analysis.
func (s *Service) Onboard(ctx context.Context, deviceID string, fp *fingerprint.Fingerprint) (fingerprint.Decision, error) {
	dec, err := s.AnalyzeFingerprint(ctx, deviceID, fp)
	if err != nil {
		return dec, err
	}
	if dec.Status == fingerprint.StatusBlocked {
		return dec, nil
	}
	if err := s.detector.Persist(ctx, deviceID, fp); err != nil {
		return dec, err
	}
	return dec, nil
}

// EvaluatePolicies runs the organization's policies without authentication.
func (s *Service) EvaluatePolicies(ctx context.Context, organization, deviceID string, metadata map[string]any) (*policy.Decision, error) {
	return s.engine.Evaluate(ctx, organization, deviceID, metadata)
}

// SignedRequest is the input of AuthorizeRequest. Organization defaults to
// ClientID and must equal it when set.
type SignedRequest struct {
	DeviceID     string
	ClientID     string
	Organization string
	Signature    string
	Canonical    string
	Metadata     map[string]any
}

// Authorization is the result of a successful AuthorizeRequest.
type Authorization struct {
	Device   *deviceauth.Device
	Decision *policy.Decision
}

// AuthorizeRequest authenticates req and evaluates the organization's
// policies inside one transaction: the last-seen update, any violation and
// the context update commit together or not at all. Authentication failures
// are returned as the deviceauth sentinel errors. A request naming another
// organization than the device's client fails with ErrOrganizationMismatch
// before any state is touched. Calls for the same device and organization
// are serialized within the process; a concurrent update from another
// process is retried a bounded number of times.
func (s *Service) AuthorizeRequest(ctx context.Context, req SignedRequest) (*Authorization, error) {
	ctx, span := traces.StartSpan(ctx, "trust.AuthorizeRequest",
		traces.DeviceID(req.DeviceID), traces.ClientID(req.ClientID), traces.Organization(req.Organization))
	defer span.End()

	if req.Organization == "" {
		req.Organization = req.ClientID
	}
	if req.Organization != req.ClientID {
		traces.RecordError(span, ErrOrganizationMismatch)
		return nil, ErrOrganizationMismatch
	}

	unlock, err := s.locks.Lock(ctx, req.Organization+"/"+req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}
	defer unlock()

	b := conflictBackoff
	b.OnRetry = func(attempt int, _ error) {
		logging.L(ctx).Info("context conflict, retrying authorization",
			zap.String("device_id", req.DeviceID),
			zap.String("organization", req.Organization),
			zap.Int("attempt", attempt))
	}

	var out *Authorization
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		return s.runner.WithinTx(ctx, func(ctx context.Context) error {
			dev, err := s.auth.Authenticate(ctx, req.DeviceID, req.ClientID, req.Signature, req.Canonical)
			if err != nil {
				return err
			}
			dec, err := s.engine.Evaluate(ctx, req.Organization, req.DeviceID, req.Metadata)
			if err != nil {
				return err
			}
			out = &Authorization{Device: dev, Decision: dec}
			return nil
		})
	})
	if err != nil {
		traces.RecordError(span, err)
		if IsAuthFailure(err) {
			return nil, err
		}
		return nil, fmt.Errorf("authorize request: %w", err)
	}
	return out, nil
}

// IsAuthFailure reports whether err is a rejection of the caller's
// credentials rather than an internal failure.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrOrganizationMismatch) ||
		errors.Is(err, deviceauth.ErrDeviceNotFound) ||
		errors.Is(err, deviceauth.ErrDeviceInactive) ||
		errors.Is(err, deviceauth.ErrSignatureMismatch) ||
		errors.Is(err, deviceauth.ErrMalformedSignature) ||
		errors.Is(err, deviceauth.ErrInvalidKey)
}
