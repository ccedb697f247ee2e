package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/retry"
)

// KafkaConfig configures KafkaPublisher.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	TLS           bool
	QueueCapacity int
	BatchSize     int
	FlushEvery    time.Duration
	WriteTimeout  time.Duration
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues events in memory and writes them to one Kafka topic
// from a background goroutine, keyed by device id. When the queue is full new
// events are dropped.
type KafkaPublisher struct {
	brokers []string
	tls     bool
	w       messageWriter
	ch      chan Event
	stop    chan struct{}
	done    chan struct{}
	backoff retry.Backoff
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewKafkaPublisher builds a publisher writing to cfg.Topic. Call Start
// before publishing and Stop on shutdown.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{DialTimeout: 5 * time.Second}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Transport:              tr,
		AllowAutoTopicCreation: false,
		BatchTimeout:           cfg.FlushEvery,
		BatchSize:              cfg.BatchSize,
		WriteTimeout:           cfg.WriteTimeout,
	}
	p := newKafkaPublisher(w, cfg.QueueCapacity, logger)
	p.brokers, p.tls = cfg.Brokers, cfg.TLS
	return p, nil
}

func newKafkaPublisher(w messageWriter, capacity int, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		w:       w,
		ch:      make(chan Event, capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		backoff: retry.DefaultBackoff,
		logger:  logger,
	}
}

// Start launches the delivery goroutine.
func (p *KafkaPublisher) Start() {
	p.startOnce.Do(func() { go p.loop() })
}

// Stop delivers what is still queued, bounded by ctx, and closes the writer.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stop)
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := p.w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Ping dials the brokers and succeeds on the first one that answers.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	if p.tls {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	var err error
	for _, b := range p.brokers {
		var conn *kafka.Conn
		if conn, err = dialer.DialContext(ctx, "tcp", b); err == nil {
			return conn.Close()
		}
	}
	if err == nil {
		err = errors.New("kafka: no brokers configured")
	}
	return err
}

// Publish enqueues e without blocking.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	select {
	case p.ch <- e:
		metrics.AuditEventsTotal.WithLabelValues(e.Type, "queued").Inc()
	default:
		metrics.AuditEventsTotal.WithLabelValues(e.Type, "dropped").Inc()
		logging.L(ctx).Warn("audit queue full, dropping event",
			zap.String("type", e.Type), zap.String("device_id", e.DeviceID))
	}
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)
	for {
		select {
		case e := <-p.ch:
			p.dispatch(e)
		case <-p.stop:
			for {
				select {
				case e := <-p.ch:
					p.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) dispatch(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.AuditEventsTotal.WithLabelValues(e.Type, "failed").Inc()
		p.logger.Error("audit event not serializable", zap.String("type", e.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(e.DeviceID), Value: payload, Time: e.OccurredAt}

	b := p.backoff
	b.OnRetry = func(attempt int, err error) {
		p.logger.Debug("audit write failed, retrying",
			zap.String("event_id", e.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
	err = retry.Do(context.Background(), b, func(ctx context.Context) error {
		return p.w.WriteMessages(ctx, msg)
	})
	if err != nil {
		metrics.AuditEventsTotal.WithLabelValues(e.Type, "failed").Inc()
		p.logger.Warn("audit event delivery failed",
			zap.String("type", e.Type), zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(e.Type, "sent").Inc()
}

// LogPublisher writes events to a zap logger. Used when no broker is
// configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (l LogPublisher) Publish(_ context.Context, e Event) {
	l.Logger.Info("audit event",
		zap.String("type", e.Type),
		zap.String("event_id", e.ID),
		zap.String("device_id", e.DeviceID),
		zap.String("organization", e.Organization),
		zap.Any("data", e.Data))
	metrics.AuditEventsTotal.WithLabelValues(e.Type, "sent").Inc()
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = LogPublisher{}
)
