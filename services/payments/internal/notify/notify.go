// Package notify delivers order notices to buyers and operators. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Panda-1024/premium-bot/libs/kafka"
)

const (
	AudienceUser   = "user"
	AudienceAdmins = "admins"

	eventType = "notification.outbound"
)

type Notifier interface {
	Notify(ctx context.Context, userID int64, text string)
	NotifyAdmins(ctx context.Context, text string)
}

type Message struct {
	kafka.Envelope
	Audience string `json:"audience"`
	UserID   int64  `json:"user_id,omitempty"`
	Text     string `json:"text"`
}

// KafkaSink hands messages to the chat gateway through a Kafka topic.
type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewKafkaSink(publisher kafka.Publisher, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{publisher: publisher, topic: topic, timeout: 5 * time.Second, logger: logger}
}

func (s *KafkaSink) Notify(ctx context.Context, userID int64, text string) {
	s.send(ctx, Message{Audience: AudienceUser, UserID: userID, Text: text}, strconv.FormatInt(userID, 10))
}

func (s *KafkaSink) NotifyAdmins(ctx context.Context, text string) {
	s.send(ctx, Message{Audience: AudienceAdmins, Text: text}, AudienceAdmins)
}

func (s *KafkaSink) send(ctx context.Context, msg Message, key string) {
	env, err := kafka.NewEnvelope(eventType, 1, "")
	if err != nil {
		s.logger.Error("build notification envelope", "error", err)
		return
	}
	msg.Envelope = env

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, key, msg); err != nil {
		s.logger.Warn("notification dropped", "audience", msg.Audience, "user_id", msg.UserID, "error", err)
	}
}

// LogSink writes notices to the log. Used when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, userID int64, text string) {
	s.logger.Info("notify user", "user_id", userID, "text", text)
}

func (s *LogSink) NotifyAdmins(_ context.Context, text string) {
	s.logger.Info("notify admins", "text", text)
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(context.Context, int64, string) {}
func (Nop) NotifyAdmins(context.Context, string)  {}

type AdminDirectory interface {
	ListAdminIDs(ctx context.Context) ([]int64, error)
}

// AdminFanout turns an admin notice into one direct notice per operator
// listed in the directory. With no operators on record the notice falls
// back to the inner sink's admin channel.
type AdminFanout struct {
	Notifier
	dir    AdminDirectory
	logger *slog.Logger
}

func NewAdminFanout(inner Notifier, dir AdminDirectory, logger *slog.Logger) *AdminFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminFanout{Notifier: inner, dir: dir, logger: logger}
}

func (f *AdminFanout) NotifyAdmins(ctx context.Context, text string) {
	ids, err := f.dir.ListAdminIDs(ctx)
	if err != nil {
		f.logger.Warn("list admins failed, using admin channel", "error", err)
	}
	if len(ids) == 0 {
		f.Notifier.NotifyAdmins(ctx, text)
		return
	}
	for _, id := range ids {
		f.Notifier.Notify(ctx, id, text)
	}
}
