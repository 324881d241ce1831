package alerts

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)
}

func TestSeverity_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		S Severity `json:"s"`
	}{SeverityMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"medium"}`, string(b))

	var out struct {
		S Severity `json:"s"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"s":"HIGH"}`), &out))
	assert.Equal(t, SeverityHigh, out.S)

	assert.Error(t, json.Unmarshal([]byte(`{"s":"critical"}`), &out))
}

func TestDetectionEvent_Validate(t *testing.T) {
	valid := DetectionEvent{
		EventID:       "evt-1",
		CameraID:      "cam-1",
		DetectionType: DetectionIntrusion,
		Timestamp:     time.Now(),
		Confidence:    0.8,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *DetectionEvent)
	}{
		{"missing event id", func(e *DetectionEvent) { e.EventID = "" }},
		{"missing camera", func(e *DetectionEvent) { e.CameraID = " " }},
		{"missing type", func(e *DetectionEvent) { e.DetectionType = "" }},
		{"negative confidence", func(e *DetectionEvent) { e.Confidence = -0.1 }},
		{"confidence over 1", func(e *DetectionEvent) { e.Confidence = 1.01 }},
		{"NaN confidence", func(e *DetectionEvent) { e.Confidence = math.NaN() }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			err := e.Validate()
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestSubscriber_Validate(t *testing.T) {
	s := Subscriber{ID: "s1", Channel: ChannelEmail, Address: "ops@example.com", Topics: []string{TopicAll}}
	assert.NoError(t, s.Validate())

	bad := s
	bad.Channel = "pager"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSubscriber)

	bad = s
	bad.Topics = nil
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSubscriber)
}

func TestChannelKind_IsOutOfBand(t *testing.T) {
	assert.False(t, ChannelLivePush.IsOutOfBand())
	assert.True(t, ChannelEmail.IsOutOfBand())
	assert.True(t, ChannelSMS.IsOutOfBand())
}

func TestWatchlistMatch_ToEvent(t *testing.T) {
	m := WatchlistMatch{MatchID: "m-1", PersonName: "J. Doe", CameraID: "cam-9", Location: "Gate 3", Confidence: 0.91}
	e := m.ToEvent()

	assert.Equal(t, "m-1", e.EventID)
	assert.Equal(t, DetectionFaceMatch, e.DetectionType)
	assert.Equal(t, "J. Doe", e.Payload["person_name"])
	assert.Equal(t, "Gate 3", e.Payload["location"])
	assert.False(t, e.Timestamp.IsZero())
	assert.NoError(t, e.Validate())
}
