package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
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
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestKafkaSinkPublishes(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewKafkaSink(pub, "notifications.outbound", nil)

	sink.Notify(context.Background(), 42, "hello")
	sink.NotifyAdmins(context.Background(), "alert")

	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.calls))
	}
	first, ok := pub.calls[0].value.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", pub.calls[0].value)
	}
	if pub.calls[0].key != "42" || first.Audience != AudienceUser || first.UserID != 42 || first.Text != "hello" {
		t.Fatalf("unexpected user message %+v key=%s", first, pub.calls[0].key)
	}
	if first.EventID == "" || first.EventType != eventType {
		t.Fatalf("expected envelope to be set, got %+v", first.Envelope)
	}
	second := pub.calls[1].value.(Message)
	if second.Audience != AudienceAdmins {
		t.Fatalf("expected admin audience, got %s", second.Audience)
	}
}

func TestKafkaSinkSwallowsErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	sink := NewKafkaSink(pub, "notifications.outbound", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Notify(ctx, 1, "hello")

	if len(pub.calls) != 1 {
		t.Fatalf("expected publish attempt even with cancelled caller, got %d", len(pub.calls))
	}
}

type recordingNotifier struct {
	users  []int64
	admins int
}

func (r *recordingNotifier) Notify(_ context.Context, userID int64, _ string) {
	r.users = append(r.users, userID)
}

func (r *recordingNotifier) NotifyAdmins(context.Context, string) { r.admins++ }

type adminList struct {
	ids []int64
	err error
}

func (a adminList) ListAdminIDs(context.Context) ([]int64, error) { return a.ids, a.err }

func TestAdminFanout(t *testing.T) {
	inner := &recordingNotifier{}
	fanout := NewAdminFanout(inner, adminList{ids: []int64{1, 9}}, nil)

	fanout.NotifyAdmins(context.Background(), "order failed")
	fanout.Notify(context.Background(), 42, "hello")

	if len(inner.users) != 3 || inner.users[0] != 1 || inner.users[1] != 9 || inner.users[2] != 42 {
		t.Fatalf("unexpected direct notices %v", inner.users)
	}
	if inner.admins != 0 {
		t.Fatalf("expected no channel notice, got %d", inner.admins)
	}
}

func TestAdminFanoutFallsBackToChannel(t *testing.T) {
	inner := &recordingNotifier{}
	NewAdminFanout(inner, adminList{err: errors.New("db down")}, nil).NotifyAdmins(context.Background(), "x")
	NewAdminFanout(inner, adminList{}, nil).NotifyAdmins(context.Background(), "y")

	if inner.admins != 2 || len(inner.users) != 0 {
		t.Fatalf("expected channel fallback, got admins=%d users=%v", inner.admins, inner.users)
	}
}
