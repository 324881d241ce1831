package engine

import (
	"context"
	"sync"
	"time"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

type State string

const (
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateResolved   State = "recipients-resolved"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
)

// AlertStatus is a point-in-time view of one alert's lifecycle.
// Skipped counts deliveries that never started because of cancellation.
type AlertStatus struct {
	AlertID       string          `json:"alert_id"`
	EventID       string          `json:"event_id"`
	CameraID      string          `json:"camera_id"`
	DetectionType string          `json:"detection_type"`
	Severity      alerts.Severity `json:"severity"`
	State         State           `json:"state"`
	Canceled      bool            `json:"canceled"`
	Recipients    int             `json:"recipients"`
	Pending       int             `json:"pending"`
	Delivered     int             `json:"delivered"`
	Failed        int             `json:"failed"`
	TimedOut      int             `json:"timed_out"`
	Skipped       int             `json:"skipped"`
	ReceivedAt    time.Time       `json:"received_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type tracker struct {
	id        string
	event     alerts.DetectionEvent
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	a      alerts.Alert
	status AlertStatus
}

func newTracker(id string, ev alerts.DetectionEvent, now time.Time) *tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &tracker{
		id:        id,
		event:     ev,
		createdAt: now.UTC(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status: AlertStatus{
			AlertID:       id,
			EventID:       ev.EventID,
			CameraID:      ev.CameraID,
			DetectionType: ev.DetectionType,
			State:         StateReceived,
			ReceivedAt:    now.UTC(),
			UpdatedAt:     now.UTC(),
		},
	}
}

func (t *tracker) alert() alerts.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.a
}

func (t *tracker) snapshot() AlertStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *tracker) setClassified(a alerts.Alert, now time.Time) {
	t.mu.Lock()
	t.a = a
	t.status.Severity = a.Severity
	t.status.State = StateClassified
	t.status.UpdatedAt = now.UTC()
	t.mu.Unlock()
}

func (t *tracker) setResolved(n int, now time.Time) {
	t.mu.Lock()
	t.status.Recipients = n
	t.status.Pending = n
	t.status.State = StateResolved
	t.status.UpdatedAt = now.UTC()
	t.mu.Unlock()
}

func (t *tracker) setDispatched(now time.Time) {
	t.mu.Lock()
	if t.status.State != StateCompleted {
		t.status.State = StateDispatched
		t.status.UpdatedAt = now.UTC()
	}
	t.mu.Unlock()
}

// unitDone reports whether this was the last pending delivery.
func (t *tracker) unitDone(outcome alerts.Outcome, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case alerts.OutcomeDelivered:
		t.status.Delivered++
	case alerts.OutcomeFailed:
		t.status.Failed++
	case alerts.OutcomeTimedOut:
		t.status.TimedOut++
	default:
		t.status.Skipped++
	}
	t.status.Pending--
	t.status.UpdatedAt = now.UTC()
	return t.status.Pending == 0
}

func (t *tracker) complete(now time.Time) AlertStatus {
	t.mu.Lock()
	t.status.State = StateCompleted
	t.status.UpdatedAt = now.UTC()
	st := t.status
	t.mu.Unlock()

	t.cancel()
	return st
}

// markCanceled returns false if the alert was already canceled or done.
func (t *tracker) markCanceled() bool {
	t.mu.Lock()
	if t.status.Canceled || t.status.State == StateCompleted {
		t.mu.Unlock()
		return false
	}
	t.status.Canceled = true
	t.status.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()

	t.cancel()
	return true
}
