package alerts

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/technosupport/vms-alerts/internal/spoof"
)

var (
	ErrInvalidEvent      = errors.New("invalid detection event")
	ErrInvalidSubscriber = errors.New("invalid subscriber")
	ErrUnknownSeverity   = errors.New("unknown severity")
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "low"
	}
}

func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return SeverityLow, fmt.Errorf("%w: %q", ErrUnknownSeverity, v)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Detection type tags emitted by the vision pipeline.
const (
	DetectionFaceMatch          = "face_match"
	DetectionIntrusion          = "intrusion"
	DetectionSuspiciousBehavior = "suspicious_behavior"
	DetectionLoitering          = "loitering"
)

// DetectionEvent is produced upstream and consumed once by the engine.
type DetectionEvent struct {
	EventID       string         `json:"event_id"`
	CameraID      string         `json:"camera_id"`
	DetectionType string         `json:"detection_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
	Confidence    float64        `json:"confidence"`
}

func (e DetectionEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	case strings.TrimSpace(e.CameraID) == "":
		return fmt.Errorf("%w: camera_id is required", ErrInvalidEvent)
	case strings.TrimSpace(e.DetectionType) == "":
		return fmt.Errorf("%w: detection_type is required", ErrInvalidEvent)
	case math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1:
		return fmt.Errorf("%w: confidence %.3f out of range [0,1]", ErrInvalidEvent, e.Confidence)
	}
	return nil
}

// Alert is derived 1:1 from a DetectionEvent and never modified afterwards.
type Alert struct {
	AlertID       string         `json:"alert_id"`
	EventID       string         `json:"event_id"`
	CameraID      string         `json:"camera_id"`
	DetectionType string         `json:"detection_type"`
	Severity      Severity       `json:"severity"`
	Confidence    float64        `json:"confidence"`
	Payload       map[string]any `json:"payload,omitempty"`
	Liveness      spoof.Verdict  `json:"liveness,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

type ChannelKind string

const (
	ChannelLivePush ChannelKind = "live-push"
	ChannelEmail    ChannelKind = "email"
	ChannelSMS      ChannelKind = "sms"
)

// Channels lists every supported channel kind.
var Channels = []ChannelKind{ChannelLivePush, ChannelEmail, ChannelSMS}

func (c ChannelKind) Valid() bool {
	switch c {
	case ChannelLivePush, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// IsOutOfBand reports whether deliveries on c are retried asynchronously.
func (c ChannelKind) IsOutOfBand() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// TopicAll subscribes to every camera.
const TopicAll = "all"

type Subscriber struct {
	ID          string      `json:"subscriber_id"`
	Channel     ChannelKind `json:"channel_kind"`
	Address     string      `json:"address"`
	Topics      []string    `json:"topics"`
	MinSeverity Severity    `json:"min_severity"`
}

func (s Subscriber) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: subscriber_id is required", ErrInvalidSubscriber)
	case !s.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidSubscriber, s.Channel)
	case strings.TrimSpace(s.Address) == "":
		return fmt.Errorf("%w: address is required", ErrInvalidSubscriber)
	case len(s.Topics) == 0:
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidSubscriber)
	}
	return nil
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed-out"
)

// DeliveryAttempt is one try of one alert towards one subscriber.
// Records are append-only.
type DeliveryAttempt struct {
	AlertID       string      `json:"alert_id"`
	SubscriberID  string      `json:"subscriber_id"`
	Channel       ChannelKind `json:"channel_kind"`
	AttemptNumber int         `json:"attempt_number"`
	Outcome       Outcome     `json:"outcome"`
	Error         string      `json:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// WatchlistMatch is the face-recognition hit reported for an enrolled person.
type WatchlistMatch struct {
	MatchID    string    `json:"match_id"`
	PersonName string    `json:"person_name"`
	CameraID   string    `json:"camera_id"`
	Location   string    `json:"location"`
	Confidence float64   `json:"confidence"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ToEvent maps the match onto a face_match detection event.
func (m WatchlistMatch) ToEvent() DetectionEvent {
	ts := m.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return DetectionEvent{
		EventID:       m.MatchID,
		CameraID:      m.CameraID,
		DetectionType: DetectionFaceMatch,
		Timestamp:     ts,
		Confidence:    m.Confidence,
		Payload: map[string]any{
			"person_name": m.PersonName,
			"location":    m.Location,
			"source":      "watchlist",
		},
	}
}
