// Package dispatch delivers one alert to one subscriber over its channel,
// retrying out-of-band channels with exponential backoff. Every try is
// appended to the delivery history before the next one starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/history"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 2 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Recorder receives the metrics feed. *metrics.Collector satisfies it.
type Recorder interface {
	AttemptRecorded(channel, outcome string)
	DeliveryFinished(channel, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) AttemptRecorded(string, string)                 {}
func (nopRecorder) DeliveryFinished(string, string, time.Duration) {}

// Observer is called after every recorded attempt.
type Observer func(alerts.DeliveryAttempt)

type Dispatcher struct {
	cfg     Config
	push    PushTransport
	email   EmailTransport
	sms     SMSTransport
	history history.Store
	metrics Recorder
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithPush(t PushTransport) Option   { return func(d *Dispatcher) { d.push = t } }
func WithEmail(t EmailTransport) Option { return func(d *Dispatcher) { d.email = t } }
func WithSMS(t SMSTransport) Option     { return func(d *Dispatcher) { d.sms = t } }

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func New(store history.Store, cfg Config, opts ...Option) *Dispatcher {
	if store == nil {
		store = history.NewMemoryStore()
	}
	d := &Dispatcher{
		cfg:     cfg.withDefaults(),
		history: store,
		metrics: nopRecorder{},
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// History returns the attempts recorded for alertID.
func (d *Dispatcher) History(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error) {
	return d.history.List(ctx, alertID)
}

// Backoff is the wait before retry n (n >= 1): BaseBackoff * 2^(n-1).
func (d *Dispatcher) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return d.cfg.BaseBackoff << (n - 1)
}

// Deliver runs the attempts for one alert x subscriber pair and returns the
// last one. ok is false when ctx was canceled before any attempt started.
//
// ctx is the alert's cancellation context: it stops further attempts and
// interrupts backoff, but an attempt already running keeps its own
// AttemptTimeout budget.
func (d *Dispatcher) Deliver(ctx context.Context, a alerts.Alert, sub alerts.Subscriber, obs Observer) (last alerts.DeliveryAttempt, ok bool) {
	msg, err := Render(a)
	if err != nil {
		d.log.Error("render failed", zap.String("alert_id", a.AlertID), zap.Error(err))
	}

	maxAttempts := 1
	if sub.Channel.IsOutOfBand() {
		maxAttempts = d.cfg.MaxAttempts
	}

	start := d.now()
	var prev time.Time
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 && !d.sleep(ctx, d.Backoff(n-1)) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		var sendErr error
		if err != nil {
			sendErr = Permanent(err)
		} else {
			sendErr = d.send(ctx, sub, msg)
		}
		last = d.record(ctx, a, sub, n, sendErr, prev)
		prev = last.Timestamp
		ok = true
		if obs != nil {
			obs(last)
		}

		if last.Outcome == alerts.OutcomeDelivered || IsPermanent(sendErr) {
			break
		}
	}

	if ok {
		d.metrics.DeliveryFinished(string(sub.Channel), string(last.Outcome), d.now().Sub(start))
		if last.Outcome != alerts.OutcomeDelivered {
			d.log.Warn("delivery gave up",
				zap.String("alert_id", a.AlertID),
				zap.String("subscriber_id", sub.ID),
				zap.String("channel", string(sub.Channel)),
				zap.Int("attempts", last.AttemptNumber),
				zap.String("outcome", string(last.Outcome)),
			)
		}
	}
	return last, ok
}

// send performs one attempt on a context detached from the alert's
// cancellation and bounded by AttemptTimeout.
func (d *Dispatcher) send(ctx context.Context, sub alerts.Subscriber, msg Message) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptTimeout)
	defer cancel()

	if sub.Channel == alerts.ChannelLivePush {
		if d.push == nil {
			return ErrNoTransport
		}
		return d.push.Send(actx, sub.Address, msg.Body)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport panic: %v", r)
			}
		}()
		switch sub.Channel {
		case alerts.ChannelEmail:
			if d.email == nil {
				done <- ErrNoTransport
				return
			}
			done <- d.email.SendEmail(actx, sub.Address, msg)
		case alerts.ChannelSMS:
			if d.sms == nil {
				done <- ErrNoTransport
				return
			}
			done <- d.sms.SendSMS(actx, sub.Address, msg)
		default:
			done <- Permanent(fmt.Errorf("unsupported channel %q", sub.Channel))
		}
	}()

	select {
	case err := <-done:
		if err != nil && actx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

func (d *Dispatcher) record(ctx context.Context, a alerts.Alert, sub alerts.Subscriber, n int, err error, prev time.Time) alerts.DeliveryAttempt {
	ts := d.now().UTC()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}

	att := alerts.DeliveryAttempt{
		AlertID:       a.AlertID,
		SubscriberID:  sub.ID,
		Channel:       sub.Channel,
		AttemptNumber: n,
		Outcome:       alerts.OutcomeDelivered,
		Timestamp:     ts,
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		att.Outcome = alerts.OutcomeTimedOut
		att.Error = fmt.Sprintf("attempt exceeded %s", d.cfg.AttemptTimeout)
	default:
		att.Outcome = alerts.OutcomeFailed
		att.Error = err.Error()
	}

	if herr := d.history.Append(context.WithoutCancel(ctx), att); herr != nil {
		d.log.Error("history append failed",
			zap.String("alert_id", a.AlertID),
			zap.String("subscriber_id", sub.ID),
			zap.Error(herr),
		)
	}
	d.metrics.AttemptRecorded(string(sub.Channel), string(att.Outcome))

	if err != nil {
		d.log.Debug("delivery attempt failed",
			zap.String("alert_id", a.AlertID),
			zap.String("subscriber_id", sub.ID),
			zap.Int("attempt", n),
			zap.Error(err),
		)
	}
	return att
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
