package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "orders.paid", "key-1", map[string]string{"id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DLQPublishPayload)
	if !ok {
		t.Fatalf("expected DLQPublishPayload, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "orders.paid" {
		t.Fatalf("expected original topic to match, got %s", payload.OriginalTopic)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "orders.paid", "key-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerRecordsMetrics(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndSucceed()
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	registry := prometheus.NewRegistry()
	metrics := NewProducerMetrics(registry)
	producer := WrapSyncProducer(mock, slog.Default(), metrics)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "orders.paid", "o-1", map[string]string{"id": "o-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := producer.PublishJSON(context.Background(), "orders.paid", "o-2", map[string]string{"id": "o-2"}); err == nil {
		t.Fatalf("expected publish error")
	}

	if got := testutil.ToFloat64(metrics.Messages.WithLabelValues("orders.paid", "ok")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Messages.WithLabelValues("orders.paid", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestSyncProducerHonoursCancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	producer := WrapSyncProducer(mock, nil, nil)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "orders.paid", "o-1", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type envelopedEvent struct {
	Envelope
	OrderID string `json:"order_id"`
}

func TestSyncProducerCopiesEnvelopeHeaders(t *testing.T) {
	env, err := NewEnvelopeWithID("evt-1", "order.paid", 1, "o-1")
	if err != nil {
		t.Fatalf("NewEnvelopeWithID: %v", err)
	}

	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		got := map[string]string{}
		for _, h := range msg.Headers {
			got[string(h.Key)] = string(h.Value)
		}
		if got[HeaderEventType] != "order.paid" || got[HeaderEventID] != "evt-1" || got[HeaderCorrelationID] != "o-1" {
			return fmt.Errorf("unexpected headers %v", got)
		}
		return nil
	})
	producer := WrapSyncProducer(mock, nil, nil)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "orders.paid", "o-1", envelopedEvent{Envelope: env, OrderID: "o-1"}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
}

func TestDeterministicEventIDStable(t *testing.T) {
	a := DeterministicEventID("order", "o-1", "paid")
	b := DeterministicEventID("order", "o-1", "paid")
	c := DeterministicEventID("order", "o-1", "completed")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids for distinct parts")
	}
	if _, err := NewEnvelopeWithID(a, "", 1, ""); err == nil {
		t.Fatalf("expected validation error for empty event type")
	}
}

func TestEnvelopeCarriesSource(t *testing.T) {
	env, err := NewEnvelope("notification.outbound", 1, "")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Source != Source || env.EventID == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	for _, h := range env.Headers() {
		if string(h.Key) == HeaderCorrelationID {
			t.Fatalf("empty correlation id should not become a header")
		}
	}
	if _, err := NewEnvelopeWithID("x", "t", 0, ""); err == nil {
		t.Fatalf("expected version validation error")
	}
}
