package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/retry"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int // fail this many writes before succeeding
	closed   bool
	block    chan struct{}
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func fastPublisher(w messageWriter, capacity int) *KafkaPublisher {
	p := newKafkaPublisher(w, capacity, zap.NewNop())
	p.backoff = retry.Backoff{Attempts: 3, BaseDelay: time.Millisecond}
	return p
}

// ============================================================================
// Events
// ============================================================================

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeFraudMarked, "dev1", "acme", map[string]string{"reason": "mule"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeFraudMarked, e.Type)
	assert.WithinDuration(t, time.Now(), e.OccurredAt, time.Second)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"deviceId":"dev1"`)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	r.Publish(context.Background(), NewEvent(TypeFraudDecision, "a", "", nil))
	r.Publish(context.Background(), NewEvent(TypeFraudDecision, "b", "", nil))
	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].DeviceID)
	assert.Empty(t, r.Events())
}

// ============================================================================
// KafkaPublisher
// ============================================================================

func TestNewKafkaPublisher_Config(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1000, cap(p.ch))
	require.NoError(t, p.w.Close())
}

func TestKafkaPublisher_DeliversKeyedByDevice(t *testing.T) {
	w := &fakeWriter{}
	p := fastPublisher(w, 16)
	p.Start()

	sentBefore := testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypePolicyViolation, "sent"))
	p.Publish(context.Background(), NewEvent(TypePolicyViolation, "dev1", "acme", map[string]int{"riskScore": 70}))
	p.Publish(context.Background(), NewEvent(TypePolicyViolation, "dev2", "acme", nil))

	require.NoError(t, p.Stop(context.Background()))
	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "dev1", string(msgs[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, TypePolicyViolation, got.Type)
	assert.Equal(t, "acme", got.Organization)
	assert.True(t, w.closed)
	assert.Equal(t, sentBefore+2, testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypePolicyViolation, "sent")))
}

func TestKafkaPublisher_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := fastPublisher(w, 4)
	p.Start()
	p.Publish(context.Background(), NewEvent(TypeFraudDecision, "dev1", "", nil))
	require.NoError(t, p.Stop(context.Background()))
	assert.Len(t, w.messages(), 1)
}

func TestKafkaPublisher_GivesUpAfterAttempts(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := fastPublisher(w, 4)
	p.Start()

	before := testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypeFraudMarked, "failed"))
	p.Publish(context.Background(), NewEvent(TypeFraudMarked, "dev1", "", nil))
	require.NoError(t, p.Stop(context.Background()))
	assert.Empty(t, w.messages())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypeFraudMarked, "failed")))
}

func TestKafkaPublisher_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	p := fastPublisher(w, 1) // not started: nothing drains the queue

	before := testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypeFraudDecision, "dropped"))
	p.Publish(context.Background(), NewEvent(TypeFraudDecision, "a", "", nil))
	p.Publish(context.Background(), NewEvent(TypeFraudDecision, "b", "", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditEventsTotal.WithLabelValues(TypeFraudDecision, "dropped")))

	p.Start()
	require.NoError(t, p.Stop(context.Background()))
	require.Len(t, w.messages(), 1)
	assert.Equal(t, "a", string(w.messages()[0].Key))
}

func TestKafkaPublisher_StopHonorsDeadline(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := fastPublisher(w, 4)
	p.Start()
	p.Publish(context.Background(), NewEvent(TypeFraudDecision, "a", "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
	close(w.block)

	assert.NoError(t, p.Stop(context.Background()), "second Stop is a no-op")
}

func TestKafkaPublisher_PingUnreachable(t *testing.T) {
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "audit"}, nil)
	require.NoError(t, err)
	defer p.w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, p.Ping(ctx))

	assert.Error(t, fastPublisher(&fakeWriter{}, 1).Ping(ctx), "no brokers")
}
