package kafka

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Source identifies this service in every envelope it emits.
const Source = "premium-payments"

// Record header names mirrored from the envelope.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderEventVersion  = "event_version"
	HeaderCorrelationID = "correlation_id"
)

var (
	errNoEventID   = errors.New("envelope: event id required")
	errNoEventType = errors.New("envelope: event type required")
	errBadVersion  = errors.New("envelope: version must be positive")
)

// Envelope is embedded in every message this service publishes.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

// NewEnvelopeWithID is used when the caller derives a stable id so that
// consumers can drop duplicates of a replayed event.
func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	e := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Source:        Source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DeterministicEventID hashes parts into a name based UUID. The same parts
// always give the same id.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errNoEventID
	case e.EventType == "":
		return errNoEventType
	case e.EventVersion <= 0:
		return errBadVersion
	}
	return nil
}

func (e Envelope) Headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventID), Value: []byte(e.EventID)},
		{Key: []byte(HeaderEventType), Value: []byte(e.EventType)},
		{Key: []byte(HeaderEventVersion), Value: []byte(strconv.Itoa(e.EventVersion))},
	}
	if e.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderCorrelationID), Value: []byte(e.CorrelationID)})
	}
	return headers
}
