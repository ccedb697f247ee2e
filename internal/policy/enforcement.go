package policy

// Outcome is what the caller-facing layer does with a decision.
type Outcome struct {
	Allow bool `json:"allow"`
	// StepUp asks the client for additional authentication instead of a
	// hard rejection.
	StepUp     bool   `json:"stepUp,omitempty"`
	Annotation string `json:"annotation,omitempty"`
}

// OutcomeFor maps a violated policy's enforcement level to an outcome.
// BLOCK denies; REQUIRE_MFA denies with a step-up challenge; the remaining
// levels allow and carry message for logging and alerting.
func OutcomeFor(level EnforcementLevel, message string) Outcome {
	switch level {
	case EnforcementBlock:
		return Outcome{Allow: false, Annotation: message}
	case EnforcementRequireMFA:
		return Outcome{Allow: false, StepUp: true, Annotation: message}
	case EnforcementWarn, EnforcementNotify, EnforcementMonitor:
		return Outcome{Allow: true, Annotation: message}
	default:
		// Unknown levels are stopped at validation; deny if one slips through.
		return Outcome{Allow: false, Annotation: message}
	}
}
