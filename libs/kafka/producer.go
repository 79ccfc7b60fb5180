package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

// Publisher is the write side used by order events and outbound
// notifications.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

type ProducerMetrics struct {
	Messages *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	Bytes    *prometheus.CounterVec
}

// NewProducerMetrics registers on registry when it is non-nil.
func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_published_total",
			Help: "Kafka publish attempts by topic and outcome.",
		}, []string{"topic", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafka_publish_duration_seconds",
			Help:    "Time spent waiting for broker acknowledgement.",
			Buckets: []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"topic"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_published_bytes_total",
			Help: "Payload bytes acknowledged by the broker.",
		}, []string{"topic"}),
	}
	if registry != nil {
		registry.MustRegister(m.Messages, m.Latency, m.Bytes)
	}
	return m
}

func (m *ProducerMetrics) observe(topic string, size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(topic).Observe(elapsed.Seconds())
	if err != nil {
		m.Messages.WithLabelValues(topic, "error").Inc()
		return
	}
	m.Messages.WithLabelValues(topic, "ok").Inc()
	m.Bytes.WithLabelValues(topic).Add(float64(size))
}

// headerCarrier is implemented by every value embedding Envelope.
type headerCarrier interface {
	Headers() []sarama.RecordHeader
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

// NewSyncProducer builds an idempotent producer that waits for all in-sync
// replicas. Messages with the same key land on the same partition, which
// keeps the events of one order in order.
func NewSyncProducer(brokers []string, clientID string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer for %v: %w", brokers, err)
	}
	return WrapSyncProducer(producer, logger, metrics), nil
}

// WrapSyncProducer adapts an existing sarama producer, e.g. a mock in tests.
func WrapSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

// PublishJSON encodes value as JSON and blocks until the broker acknowledges
// it. Envelope fields are copied into record headers so consumers can route
// without decoding the body.
func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("encode %s message: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	if hc, ok := value.(headerCarrier); ok {
		msg.Headers = hc.Headers()
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observe(topic, len(payload), time.Since(start), err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("kafka message published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
