package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/history"
	"github.com/technosupport/vms-alerts/internal/metrics"
)

type fakeEmail struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int) error
}

func (f *fakeEmail) SendEmail(ctx context.Context, _ string, _ Message) error {
	n := int(f.calls.Add(1))
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, n)
}

func (f *fakeEmail) SendSMS(ctx context.Context, addr string, msg Message) error {
	return f.SendEmail(ctx, addr, msg)
}

type fakePush struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakePush) Send(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func testAlert() alerts.Alert {
	return alerts.Alert{
		AlertID:       "alert-1",
		EventID:       "evt-1",
		CameraID:      "cam-1",
		DetectionType: alerts.DetectionFaceMatch,
		Severity:      alerts.SeverityHigh,
		Confidence:    0.93,
		Payload:       map[string]any{"person_name": "J. Doe"},
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func emailSub() alerts.Subscriber {
	return alerts.Subscriber{
		ID:      "ops-mail",
		Channel: alerts.ChannelEmail,
		Address: "ops@example.com",
		Topics:  []string{"all"},
	}
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, AttemptTimeout: 200 * time.Millisecond}
}

func TestDeliver_RetriesUntilExhausted(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{fn: func(context.Context, int) error { return errors.New("smtp 451") }}
	col := metrics.NewCollector()
	d := New(store, fastConfig(), WithEmail(mail), WithRecorder(col))

	var observed []int
	last, ok := d.Deliver(context.Background(), testAlert(), emailSub(), func(a alerts.DeliveryAttempt) {
		observed = append(observed, a.AttemptNumber)
	})

	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeFailed, last.Outcome)
	assert.Equal(t, 3, last.AttemptNumber)
	assert.Equal(t, []int{1, 2, 3}, observed)
	assert.EqualValues(t, 3, mail.calls.Load())

	got, err := store.List(context.Background(), "alert-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, "smtp 451", a.Error)
		if i > 0 {
			assert.True(t, a.Timestamp.After(got[i-1].Timestamp))
		}
	}
	// Gaps honor the doubling backoff: 10ms then 20ms.
	assert.GreaterOrEqual(t, got[1].Timestamp.Sub(got[0].Timestamp), 10*time.Millisecond)
	assert.GreaterOrEqual(t, got[2].Timestamp.Sub(got[1].Timestamp), 20*time.Millisecond)

	stats := col.ChannelStats()
	require.Len(t, stats, 1)
	assert.Equal(t, metrics.ChannelStats{Channel: "email", Failed: 1, Attempts: 3}, stats[0])
}

func TestDeliver_SucceedsOnRetry(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{fn: func(_ context.Context, n int) error {
		if n == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}
	d := New(store, fastConfig(), WithEmail(mail))

	last, ok := d.Deliver(context.Background(), testAlert(), emailSub(), nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeDelivered, last.Outcome)
	assert.Equal(t, 2, last.AttemptNumber)

	got, _ := store.List(context.Background(), "alert-1")
	require.Len(t, got, 2)
	assert.Equal(t, alerts.OutcomeFailed, got[0].Outcome)
	assert.Equal(t, alerts.OutcomeDelivered, got[1].Outcome)
}

func TestDeliver_PermanentErrorStops(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{fn: func(context.Context, int) error {
		return Permanent(errors.New("invalid recipient"))
	}}
	d := New(store, fastConfig(), WithEmail(mail))

	last, ok := d.Deliver(context.Background(), testAlert(), emailSub(), nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeFailed, last.Outcome)
	assert.Equal(t, 1, last.AttemptNumber)
	assert.EqualValues(t, 1, mail.calls.Load())
}

func TestDeliver_AttemptTimeout(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{fn: func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}
	d := New(store, cfg, WithEmail(mail))

	last, ok := d.Deliver(context.Background(), testAlert(), emailSub(), nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeTimedOut, last.Outcome)
	assert.Equal(t, 2, last.AttemptNumber)

	got, _ := store.List(context.Background(), "alert-1")
	require.Len(t, got, 2)
	assert.Equal(t, alerts.OutcomeTimedOut, got[0].Outcome)
}

func TestDeliver_TransportIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mail := &fakeEmail{fn: func(context.Context, int) error {
		<-release
		return nil
	}}
	cfg := Config{MaxAttempts: 1, BaseBackoff: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}
	d := New(nil, cfg, WithEmail(mail))

	start := time.Now()
	last, ok := d.Deliver(context.Background(), testAlert(), emailSub(), nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeTimedOut, last.Outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeliver_CancelDuringBackoff(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{fn: func(context.Context, int) error { return errors.New("down") }}
	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, AttemptTimeout: time.Second}
	d := New(store, cfg, WithEmail(mail))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan alerts.DeliveryAttempt, 1)
	go func() {
		last, _ := d.Deliver(ctx, testAlert(), emailSub(), func(alerts.DeliveryAttempt) { cancel() })
		done <- last
	}()

	select {
	case last := <-done:
		assert.Equal(t, 1, last.AttemptNumber)
		assert.Equal(t, alerts.OutcomeFailed, last.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not stop on cancel")
	}
	assert.EqualValues(t, 1, mail.calls.Load())
}

func TestDeliver_CanceledBeforeStart(t *testing.T) {
	store := history.NewMemoryStore()
	mail := &fakeEmail{}
	d := New(store, fastConfig(), WithEmail(mail))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := d.Deliver(ctx, testAlert(), emailSub(), nil)
	assert.False(t, ok)
	assert.EqualValues(t, 0, mail.calls.Load())

	got, _ := store.List(context.Background(), "alert-1")
	assert.Empty(t, got)
}

func TestDeliver_InFlightAttemptSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mail := &fakeEmail{fn: func(actx context.Context, _ int) error {
		cancel()
		select {
		case <-actx.Done():
			return actx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	}}
	d := New(nil, fastConfig(), WithEmail(mail))

	last, ok := d.Deliver(ctx, testAlert(), emailSub(), nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeDelivered, last.Outcome)
}

func TestDeliver_LivePushSingleAttempt(t *testing.T) {
	store := history.NewMemoryStore()
	push := &fakePush{err: ErrConnectionClosed}
	d := New(store, fastConfig(), WithPush(push))
	sub := alerts.Subscriber{ID: "console-7", Channel: alerts.ChannelLivePush, Address: "conn-7", Topics: []string{"cam-1"}}

	last, ok := d.Deliver(context.Background(), testAlert(), sub, nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeFailed, last.Outcome)
	assert.Equal(t, ErrConnectionClosed.Error(), last.Error)

	got, _ := store.List(context.Background(), "alert-1")
	assert.Len(t, got, 1)
}

func TestDeliver_LivePushPayload(t *testing.T) {
	push := &fakePush{}
	d := New(nil, fastConfig(), WithPush(push))
	sub := alerts.Subscriber{ID: "console-7", Channel: alerts.ChannelLivePush, Address: "conn-7", Topics: []string{"cam-1"}}

	last, ok := d.Deliver(context.Background(), testAlert(), sub, nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeDelivered, last.Outcome)

	require.Len(t, push.payloads, 1)
	var env map[string]any
	require.NoError(t, json.Unmarshal(push.payloads[0], &env))
	assert.Equal(t, "detection_alert", env["type"])
	assert.Equal(t, "alert-1", env["alert_id"])
	assert.Equal(t, "high", env["severity"])
	assert.Equal(t, "cam-1", env["camera_id"])
}

func TestDeliver_MissingTransport(t *testing.T) {
	d := New(nil, fastConfig())
	sub := alerts.Subscriber{ID: "pager", Channel: alerts.ChannelSMS, Address: "+15550100", Topics: []string{"all"}}

	last, ok := d.Deliver(context.Background(), testAlert(), sub, nil)
	require.True(t, ok)
	assert.Equal(t, alerts.OutcomeFailed, last.Outcome)
	assert.Equal(t, 1, last.AttemptNumber)
}

func TestBackoff(t *testing.T) {
	d := New(nil, Config{})
	assert.Equal(t, 2*time.Second, d.Backoff(1))
	assert.Equal(t, 4*time.Second, d.Backoff(2))
	assert.Equal(t, DefaultMaxAttempts, d.Config().MaxAttempts)
	assert.Equal(t, DefaultAttemptTimeout, d.Config().AttemptTimeout)
}

func TestRender(t *testing.T) {
	msg, err := Render(testAlert())
	require.NoError(t, err)
	assert.Equal(t, "[HIGH] face_match on camera cam-1", msg.Subject)
	assert.Contains(t, msg.Text, "Watchlist: J. Doe.")
	assert.Contains(t, msg.Text, "Ref alert-1")
	assert.Equal(t, alerts.SeverityHigh, msg.Severity)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.True(t, IsPermanent(ErrConnectionClosed))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.Nil(t, Permanent(nil))
}
