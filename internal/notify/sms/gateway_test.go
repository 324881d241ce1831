package sms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/dispatch"
)

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.topic = topic
	f.payload = payload
	return f.err
}

func msg(text string) dispatch.Message {
	return dispatch.Message{AlertID: "alert-1", Severity: alerts.SeverityHigh, Subject: "[HIGH] intrusion", Text: text}
}

func TestGateway_Send(t *testing.T) {
	pub := &fakePublisher{}
	g := NewGateway(pub, "site-a/")

	require.NoError(t, g.SendSMS(context.Background(), "+15551234567", msg("gate 3")))
	assert.Equal(t, "site-a/sms/outbox", pub.topic)

	var out outboxMessage
	require.NoError(t, json.Unmarshal(pub.payload, &out))
	assert.Equal(t, "+15551234567", out.To)
	assert.Equal(t, "[HIGH] intrusion. gate 3", out.Body)
	assert.Equal(t, "alert-1", out.AlertID)
	assert.Equal(t, "high", out.Severity)
}

func TestGateway_TruncatesBody(t *testing.T) {
	pub := &fakePublisher{}
	g := NewGateway(pub, "")
	require.NoError(t, g.SendSMS(context.Background(), "+15551234567", msg(strings.Repeat("x", 1000))))

	var out outboxMessage
	require.NoError(t, json.Unmarshal(pub.payload, &out))
	assert.Len(t, out.Body, maxBody)
	assert.True(t, strings.HasSuffix(out.Body, "..."))
	assert.Equal(t, "vms/sms/outbox", g.Topic())
}

func TestGateway_Errors(t *testing.T) {
	g := NewGateway(&fakePublisher{}, "vms")
	err := g.SendSMS(context.Background(), "555-1234", msg("x"))
	assert.ErrorIs(t, err, ErrInvalidNumber)
	assert.True(t, dispatch.IsPermanent(err))

	g = NewGateway(&fakePublisher{err: errors.New("not connected")}, "vms")
	err = g.SendSMS(context.Background(), "+447700900123", msg("x"))
	require.Error(t, err)
	assert.False(t, dispatch.IsPermanent(err))
}

func TestValidateNumber(t *testing.T) {
	for _, ok := range []string{"+15551234567", "+447700900123", "+8613800138000"} {
		assert.NoError(t, ValidateNumber(ok), ok)
	}
	for _, bad := range []string{"", "15551234567", "+0555123456", "+1 555 123 4567", "+1234"} {
		assert.Error(t, ValidateNumber(bad), bad)
	}
}
