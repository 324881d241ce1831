// Package ingest moves detection events between NATS and the engine.
//
// Subjects:
//
//	detections.<camera_id>.<detection_type>   DetectionEvent JSON
//	detections.watchlist                      WatchlistMatch JSON
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

const (
	DefaultSubject = "detections.>"
	DefaultQueue   = "vms-alerts"
	watchlistToken = "watchlist"
)

var ErrMalformed = errors.New("malformed detection message")

type Submitter interface {
	Submit(ev alerts.DetectionEvent) (string, error)
}

type Recorder interface {
	IngestMessage(source, result string)
}

type nopRecorder struct{}

func (nopRecorder) IngestMessage(string, string) {}

type Subscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	engine  Submitter
	metrics Recorder
	log     *zap.Logger

	sub *nats.Subscription
}

func NewSubscriber(conn *nats.Conn, subject, queue string, engine Submitter, rec Recorder, log *zap.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{conn: conn, subject: subject, queue: queue, engine: engine, metrics: rec, log: log}
}

func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		_, _ = s.Handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info("ingest subscribed", zap.String("subject", s.subject), zap.String("queue", s.queue))
	return nil
}

// Stop drains the subscription so in-flight callbacks finish.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// Handle decodes one message and submits it. Bad messages are counted and
// dropped; there is no redelivery for them.
func (s *Subscriber) Handle(subject string, data []byte) (string, error) {
	ev, err := decode(subject, data)
	if err != nil {
		s.metrics.IngestMessage("nats", "malformed")
		s.log.Warn("dropping malformed detection", zap.String("subject", subject), zap.Error(err))
		return "", err
	}

	id, err := s.engine.Submit(ev)
	switch {
	case errors.Is(err, alerts.ErrInvalidEvent):
		s.metrics.IngestMessage("nats", "invalid")
		s.log.Warn("dropping invalid detection", zap.String("event_id", ev.EventID), zap.Error(err))
		return "", err
	case err != nil:
		s.metrics.IngestMessage("nats", "rejected")
		s.log.Error("submit failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return "", err
	}
	s.metrics.IngestMessage("nats", "accepted")
	return id, nil
}

func decode(subject string, data []byte) (alerts.DetectionEvent, error) {
	parts := strings.Split(subject, ".")

	if len(parts) == 2 && parts[1] == watchlistToken {
		var m alerts.WatchlistMatch
		if err := json.Unmarshal(data, &m); err != nil {
			return alerts.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m.ToEvent(), nil
	}

	var ev alerts.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return alerts.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// Subject tokens fill in fields the producer left out.
	if len(parts) >= 3 {
		if ev.CameraID == "" {
			ev.CameraID = parts[1]
		}
		if ev.DetectionType == "" {
			ev.DetectionType = parts[2]
		}
	}
	return ev, nil
}
