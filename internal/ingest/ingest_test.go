package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ev alerts.DetectionEvent) (string, error) {
	args := m.Called(ev)
	return args.String(0), args.Error(1)
}

type countingRecorder struct {
	results map[string]int
}

func (r *countingRecorder) IngestMessage(_, result string) {
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func TestHandle_Event(t *testing.T) {
	sub := new(mockSubmitter)
	rec := &countingRecorder{}
	s := NewSubscriber(nil, "", "", sub, rec, nil)

	sub.On("Submit", mock.MatchedBy(func(ev alerts.DetectionEvent) bool {
		return ev.EventID == "evt-1" && ev.CameraID == "cam-1" && ev.DetectionType == "intrusion"
	})).Return("alert-1", nil)

	id, err := s.Handle("detections.cam-1.intrusion", []byte(`{"event_id":"evt-1","confidence":0.8,"timestamp":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "alert-1", id)
	assert.Equal(t, 1, rec.results["accepted"])
	sub.AssertExpectations(t)
}

func TestHandle_WatchlistMatch(t *testing.T) {
	sub := new(mockSubmitter)
	s := NewSubscriber(nil, "", "", sub, nil, nil)

	sub.On("Submit", mock.MatchedBy(func(ev alerts.DetectionEvent) bool {
		return ev.EventID == "m-9" && ev.DetectionType == alerts.DetectionFaceMatch && ev.Payload["person_name"] == "J. Doe"
	})).Return("alert-9", nil)

	id, err := s.Handle("detections.watchlist", []byte(`{"match_id":"m-9","person_name":"J. Doe","camera_id":"cam-4","location":"Lobby","confidence":0.91}`))
	require.NoError(t, err)
	assert.Equal(t, "alert-9", id)
	sub.AssertExpectations(t)
}

func TestHandle_Failures(t *testing.T) {
	sub := new(mockSubmitter)
	rec := &countingRecorder{}
	s := NewSubscriber(nil, "", "", sub, rec, nil)

	_, err := s.Handle("detections.cam-1.intrusion", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	sub.On("Submit", mock.Anything).Return("", alerts.ErrInvalidEvent).Once()
	_, err = s.Handle("detections.cam-1.intrusion", []byte(`{"confidence":0.5}`))
	assert.ErrorIs(t, err, alerts.ErrInvalidEvent)

	sub.On("Submit", mock.Anything).Return("", errors.New("engine closed")).Once()
	_, err = s.Handle("detections.cam-1.intrusion", []byte(`{"event_id":"e","confidence":0.5}`))
	assert.Error(t, err)

	assert.Equal(t, map[string]int{"malformed": 1, "invalid": 1, "rejected": 1}, rec.results)
}

type fakeConn struct {
	failures int
	subjects []string
	data     [][]byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("nats: connection closed")
	}
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return nil
}

func TestPublisher_SubjectAndRetry(t *testing.T) {
	conn := &fakeConn{failures: 1}
	p := NewPublisher(conn, "", 2)

	ev := alerts.DetectionEvent{EventID: "e1", CameraID: "gate.north", DetectionType: "intrusion", Timestamp: time.Now().UTC(), Confidence: 0.7}
	require.NoError(t, p.PublishEvent(context.Background(), ev))
	require.Equal(t, []string{"detections.gate_north.intrusion"}, conn.subjects)

	var got alerts.DetectionEvent
	require.NoError(t, json.Unmarshal(conn.data[0], &got))
	assert.Equal(t, "gate.north", got.CameraID)

	require.NoError(t, p.PublishMatch(context.Background(), alerts.WatchlistMatch{MatchID: "m1", CameraID: "cam-1"}))
	assert.Equal(t, "detections.watchlist", conn.subjects[1])
}

func TestPublisher_GivesUp(t *testing.T) {
	conn := &fakeConn{failures: 10}
	p := NewPublisher(conn, "detections", 1)
	err := p.PublishEvent(context.Background(), alerts.DetectionEvent{EventID: "e1", CameraID: "c", DetectionType: "t"})
	assert.ErrorContains(t, err, "publish failed after 1 retries")
}

func TestPublisher_RoundTripThroughHandle(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "detections", 0)
	ev := alerts.DetectionEvent{EventID: "e1", CameraID: "cam-2", DetectionType: "loitering", Timestamp: time.Now().UTC(), Confidence: 0.6}
	require.NoError(t, p.PublishEvent(context.Background(), ev))

	sub := new(mockSubmitter)
	sub.On("Submit", mock.MatchedBy(func(got alerts.DetectionEvent) bool {
		return got.EventID == "e1" && got.CameraID == "cam-2"
	})).Return("a1", nil)
	s := NewSubscriber(nil, "", "", sub, nil, nil)

	_, err := s.Handle(conn.subjects[0], conn.data[0])
	require.NoError(t, err)
	sub.AssertExpectations(t)
}
