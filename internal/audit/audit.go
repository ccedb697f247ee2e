// Package audit ships decision events (policy violations, fraud decisions,
// fraud markings) to downstream consumers. Publishing is best effort: the
// decision path never waits on or fails because of the audit stream.
package audit

import (
	"context"
	"time"

	"github.com/mbd888/devicetrust/internal/idgen"
)

// Event types.
const (
	TypePolicyViolation = "policy.violation"
	TypeFraudDecision   = "fraud.decision"
	TypeFraudMarked     = "fraud.marked"
)

// Event is one audit record. Data holds the type-specific payload.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	DeviceID     string    `json:"deviceId,omitempty"`
	Organization string    `json:"organization,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
	Data         any       `json:"data,omitempty"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType, deviceID, organization string, data any) Event {
	return Event{
		ID:           idgen.New(),
		Type:         eventType,
		DeviceID:     deviceID,
		Organization: organization,
		OccurredAt:   time.Now().UTC(),
		Data:         data,
	}
}

// Publisher accepts events for delivery. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	events chan Event
}

// NewRecorder creates a recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	select {
	case r.events <- e:
	default:
	}
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*Recorder)(nil)
)
