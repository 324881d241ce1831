// Package sms hands alert texts to an SMS gateway listening on MQTT.
// The gateway consumes <base>/sms/outbox at QoS 1.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/technosupport/vms-alerts/internal/dispatch"
)

const maxBody = 480

var (
	ErrInvalidNumber = errors.New("invalid phone number")

	e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type outboxMessage struct {
	To       string    `json:"to"`
	Body     string    `json:"body"`
	AlertID  string    `json:"alert_id"`
	Severity string    `json:"severity"`
	QueuedAt time.Time `json:"queued_at"`
}

type Gateway struct {
	pub   Publisher
	topic string
}

func NewGateway(pub Publisher, baseTopic string) *Gateway {
	baseTopic = strings.TrimSuffix(baseTopic, "/")
	if baseTopic == "" {
		baseTopic = "vms"
	}
	return &Gateway{pub: pub, topic: baseTopic + "/sms/outbox"}
}

func (g *Gateway) Topic() string { return g.topic }

// SendSMS implements dispatch.SMSTransport.
func (g *Gateway) SendSMS(ctx context.Context, address string, msg dispatch.Message) error {
	if err := ValidateNumber(address); err != nil {
		return dispatch.Permanent(err)
	}

	body := msg.Subject + ". " + msg.Text
	if len(body) > maxBody {
		body = body[:maxBody-3] + "..."
	}
	payload, err := json.Marshal(outboxMessage{
		To:       address,
		Body:     body,
		AlertID:  msg.AlertID,
		Severity: msg.Severity.String(),
		QueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return dispatch.Permanent(err)
	}

	if err := g.pub.Publish(ctx, g.topic, payload); err != nil {
		return fmt.Errorf("publish sms for %s: %w", msg.AlertID, err)
	}
	return nil
}

func ValidateNumber(address string) error {
	if !e164.MatchString(address) {
		return fmt.Errorf("%w: %q is not E.164", ErrInvalidNumber, address)
	}
	return nil
}
