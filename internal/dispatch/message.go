package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/spoof"
)

// Message is the rendered form of an alert, shared by every channel.
type Message struct {
	AlertID  string
	Severity alerts.Severity
	Subject  string
	Text     string
	Body     []byte // JSON envelope
}

type envelope struct {
	Type          string          `json:"type"`
	AlertID       string          `json:"alert_id"`
	EventID       string          `json:"event_id"`
	CameraID      string          `json:"camera_id"`
	DetectionType string          `json:"detection_type"`
	Severity      alerts.Severity `json:"severity"`
	Confidence    float64         `json:"confidence"`
	Liveness      spoof.Verdict   `json:"liveness,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CreatedAt     time.Time       `json:"created_at"`
	Data          map[string]any  `json:"data,omitempty"`
}

func Render(a alerts.Alert) (Message, error) {
	body, err := json.Marshal(envelope{
		Type:          "detection_alert",
		AlertID:       a.AlertID,
		EventID:       a.EventID,
		CameraID:      a.CameraID,
		DetectionType: a.DetectionType,
		Severity:      a.Severity,
		Confidence:    a.Confidence,
		Liveness:      a.Liveness,
		Timestamp:     a.OccurredAt,
		CreatedAt:     a.CreatedAt,
		Data:          a.Payload,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render alert %s: %w", a.AlertID, err)
	}

	sev := strings.ToUpper(a.Severity.String())
	subject := fmt.Sprintf("[%s] %s on camera %s", sev, a.DetectionType, a.CameraID)

	var text strings.Builder
	fmt.Fprintf(&text, "%s alert: %s detected on camera %s at %s (confidence %.0f%%).",
		sev, a.DetectionType, a.CameraID, a.OccurredAt.UTC().Format(time.RFC3339), a.Confidence*100)
	if name, ok := a.Payload["person_name"].(string); ok && name != "" {
		fmt.Fprintf(&text, " Watchlist: %s.", name)
	}
	if loc, ok := a.Payload["location"].(string); ok && loc != "" {
		fmt.Fprintf(&text, " Location: %s.", loc)
	}
	if a.Liveness == spoof.VerdictUnavailable {
		text.WriteString(" Liveness check unavailable.")
	}
	fmt.Fprintf(&text, " Ref %s", a.AlertID)

	return Message{
		AlertID:  a.AlertID,
		Severity: a.Severity,
		Subject:  subject,
		Text:     text.String(),
		Body:     body,
	}, nil
}
