// Package engine turns detection events into alerts and fans each alert
// out to its subscribers.
//
// Events from one camera are processed in submission order on a per-camera
// lane: alert N+1 is not dispatched before every delivery of alert N has
// recorded its first attempt. Lanes of different cameras run concurrently.
// Out-of-band retries run on a fixed worker pool so a slow email or SMS
// provider never holds a lane past the first attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/dispatch"
	"github.com/technosupport/vms-alerts/internal/spoof"
)

var (
	ErrClosed       = errors.New("engine closed")
	ErrUnknownAlert = errors.New("unknown alert")
)

type Classifier interface {
	Classify(detectionType string, payload map[string]any) alerts.Severity
}

type Resolver interface {
	Resolve(cameraID string, sev alerts.Severity) []alerts.Subscriber
}

// Deliverer is satisfied by *dispatch.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, a alerts.Alert, sub alerts.Subscriber, obs dispatch.Observer) (alerts.DeliveryAttempt, bool)
	History(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error)
}

// Recorder is satisfied by *metrics.Collector.
type Recorder interface {
	AlertSubmitted(severity string)
	AlertCompleted()
	AlertCanceled()
	InflightAdd(channel string, delta float64)
	SetLaneQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) AlertSubmitted(string)       {}
func (nopRecorder) AlertCompleted()             {}
func (nopRecorder) AlertCanceled()              {}
func (nopRecorder) InflightAdd(string, float64) {}
func (nopRecorder) SetLaneQueueDepth(int)       {}

type Config struct {
	Workers     int
	MaxInflight map[alerts.ChannelKind]int
	DedupSize   int
	DedupTTL    time.Duration
	RecentSize  int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	limits := make(map[alerts.ChannelKind]int, len(alerts.Channels))
	for _, ch := range alerts.Channels {
		limits[ch] = 64
		if n, ok := c.MaxInflight[ch]; ok && n > 0 {
			limits[ch] = n
		}
	}
	c.MaxInflight = limits
	if c.DedupSize <= 0 {
		c.DedupSize = 10000
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.RecentSize <= 0 {
		c.RecentSize = 10000
	}
	return c
}

type dedupEntry struct {
	alertID string
	addedAt time.Time
}

type lane struct {
	camera string
	queue  []*tracker
}

type unit struct {
	t         *tracker
	sub       alerts.Subscriber
	firstDone func()
}

type Engine struct {
	cfg        Config
	classifier Classifier
	resolver   Resolver
	deliverer  Deliverer
	metrics    Recorder
	log        *zap.Logger
	onComplete func(AlertStatus)
	newID      func() string
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	lanes  map[string]*lane
	queued int
	active map[string]*tracker
	recent *lru.Cache[string, AlertStatus]
	dedup  *lru.Cache[string, dedupEntry]

	sems      map[alerts.ChannelKind]chan struct{}
	jobs      chan unit
	lanesWG   sync.WaitGroup
	workersWG sync.WaitGroup
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithOnComplete registers a hook run once per alert after its last
// delivery reached a final outcome.
func WithOnComplete(fn func(AlertStatus)) Option {
	return func(e *Engine) { e.onComplete = fn }
}

func New(cfg Config, c Classifier, r Resolver, d Deliverer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	recent, _ := lru.New[string, AlertStatus](cfg.RecentSize)
	dedup, _ := lru.New[string, dedupEntry](cfg.DedupSize)

	e := &Engine{
		cfg:        cfg,
		classifier: c,
		resolver:   r,
		deliverer:  d,
		metrics:    nopRecorder{},
		log:        zap.NewNop(),
		newID:      uuid.NewString,
		now:        time.Now,
		lanes:      make(map[string]*lane),
		active:     make(map[string]*tracker),
		recent:     recent,
		dedup:      dedup,
		sems:       make(map[alerts.ChannelKind]chan struct{}, len(cfg.MaxInflight)),
		jobs:       make(chan unit, cfg.Workers*2),
	}
	for _, opt := range opts {
		opt(e)
	}
	for ch, n := range cfg.MaxInflight {
		e.sems[ch] = make(chan struct{}, n)
	}

	for i := 0; i < cfg.Workers; i++ {
		e.workersWG.Add(1)
		go e.worker()
	}
	return e
}

// Submit accepts an event and returns its alert id without waiting for
// delivery. A repeated event id inside the dedup window returns the id of
// the alert already created for it.
func (e *Engine) Submit(ev alerts.DetectionEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}
	now := e.now()
	if prev, ok := e.dedup.Get(ev.EventID); ok && now.Sub(prev.addedAt) < e.cfg.DedupTTL {
		e.log.Debug("duplicate event", zap.String("event_id", ev.EventID), zap.String("alert_id", prev.alertID))
		return prev.alertID, nil
	}

	id := e.newID()
	t := newTracker(id, ev, now)
	e.active[id] = t
	e.dedup.Add(ev.EventID, dedupEntry{alertID: id, addedAt: now})

	l, ok := e.lanes[ev.CameraID]
	if !ok {
		l = &lane{camera: ev.CameraID}
		e.lanes[ev.CameraID] = l
		e.lanesWG.Add(1)
		go e.runLane(l)
	}
	l.queue = append(l.queue, t)
	e.queued++
	e.metrics.SetLaneQueueDepth(e.queued)

	return id, nil
}

// Cancel stops new delivery attempts for an alert. Attempts already running
// finish normally. Canceling a completed alert is a no-op.
func (e *Engine) Cancel(alertID string) error {
	e.mu.Lock()
	t, ok := e.active[alertID]
	if !ok {
		_, done := e.recent.Peek(alertID)
		e.mu.Unlock()
		if done {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownAlert, alertID)
	}
	e.mu.Unlock()

	if t.markCanceled() {
		e.metrics.AlertCanceled()
		e.log.Info("alert canceled", zap.String("alert_id", alertID))
	}
	return nil
}

func (e *Engine) Status(alertID string) (AlertStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.active[alertID]; ok {
		return t.snapshot(), true
	}
	return e.recent.Get(alertID)
}

// DeliveryHistory returns every recorded attempt of an alert in order.
func (e *Engine) DeliveryHistory(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error) {
	attempts, err := e.deliverer.History(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		if _, ok := e.Status(alertID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, alertID)
		}
	}
	return attempts, nil
}

// Wait blocks until the alert completes or ctx is done.
func (e *Engine) Wait(ctx context.Context, alertID string) (AlertStatus, error) {
	e.mu.Lock()
	t, ok := e.active[alertID]
	if !ok {
		st, done := e.recent.Get(alertID)
		e.mu.Unlock()
		if done {
			return st, nil
		}
		return AlertStatus{}, fmt.Errorf("%w: %s", ErrUnknownAlert, alertID)
	}
	e.mu.Unlock()

	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return AlertStatus{}, ctx.Err()
	}
}

// Close stops intake and waits for queued alerts and their deliveries.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.lanesWG.Wait()
		close(e.jobs)
		e.workersWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runLane(l *lane) {
	defer e.lanesWG.Done()
	for {
		e.mu.Lock()
		if len(l.queue) == 0 {
			delete(e.lanes, l.camera)
			e.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		e.queued--
		e.metrics.SetLaneQueueDepth(e.queued)
		e.mu.Unlock()

		e.process(t)
	}
}

func (e *Engine) process(t *tracker) {
	ev := t.event
	sev := e.classifier.Classify(ev.DetectionType, ev.Payload)
	a := alerts.Alert{
		AlertID:       t.id,
		EventID:       ev.EventID,
		CameraID:      ev.CameraID,
		DetectionType: ev.DetectionType,
		Severity:      sev,
		Confidence:    ev.Confidence,
		Payload:       ev.Payload,
		OccurredAt:    ev.Timestamp,
		CreatedAt:     t.createdAt,
	}
	if ev.DetectionType == alerts.DetectionFaceMatch {
		liveness := spoof.FromPayload(ev.Payload)
		a.Liveness = liveness.Verdict
		if !liveness.Available() {
			e.log.Warn("liveness unavailable for face match",
				zap.String("alert_id", t.id),
				zap.String("camera_id", ev.CameraID),
				zap.Error(liveness.Err),
			)
		}
	}
	t.setClassified(a, e.now())
	e.metrics.AlertSubmitted(sev.String())

	subs := e.resolver.Resolve(ev.CameraID, sev)
	t.setResolved(len(subs), e.now())

	if len(subs) == 0 {
		t.setDispatched(e.now())
		e.finish(t)
		return
	}

	var first sync.WaitGroup
	first.Add(len(subs))
	for _, sub := range subs {
		if t.ctx.Err() != nil || !e.acquire(t.ctx, sub.Channel) {
			first.Done()
			e.unitDone(t, "")
			continue
		}
		e.metrics.InflightAdd(string(sub.Channel), 1)

		var once sync.Once
		u := unit{t: t, sub: sub, firstDone: func() { once.Do(first.Done) }}
		if sub.Channel.IsOutOfBand() {
			e.jobs <- u
		} else {
			e.runUnit(u)
		}
	}
	t.setDispatched(e.now())
	first.Wait()
}

func (e *Engine) acquire(ctx context.Context, ch alerts.ChannelKind) bool {
	sem, ok := e.sems[ch]
	if !ok {
		return true
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) release(ch alerts.ChannelKind) {
	if sem, ok := e.sems[ch]; ok {
		<-sem
	}
}

func (e *Engine) worker() {
	defer e.workersWG.Done()
	for u := range e.jobs {
		e.runUnit(u)
	}
}

func (e *Engine) runUnit(u unit) {
	last, ok := e.deliverer.Deliver(u.t.ctx, u.t.alert(), u.sub, func(alerts.DeliveryAttempt) { u.firstDone() })
	u.firstDone()

	e.release(u.sub.Channel)
	e.metrics.InflightAdd(string(u.sub.Channel), -1)

	var outcome alerts.Outcome
	if ok {
		outcome = last.Outcome
	}
	e.unitDone(u.t, outcome)
}

// unitDone records the final outcome of one delivery unit. An empty
// outcome means the unit was skipped by cancellation.
func (e *Engine) unitDone(t *tracker, outcome alerts.Outcome) {
	if t.unitDone(outcome, e.now()) {
		e.finish(t)
	}
}

// finish runs the completion hook before the alert leaves the active set,
// so Wait and Status never report completion ahead of the hook.
func (e *Engine) finish(t *tracker) {
	st := t.complete(e.now())

	e.metrics.AlertCompleted()
	e.log.Info("alert completed",
		zap.String("alert_id", st.AlertID),
		zap.String("camera_id", st.CameraID),
		zap.String("severity", st.Severity.String()),
		zap.Int("recipients", st.Recipients),
		zap.Int("delivered", st.Delivered),
		zap.Bool("canceled", st.Canceled),
	)
	if e.onComplete != nil {
		e.onComplete(st)
	}

	e.mu.Lock()
	delete(e.active, t.id)
	e.recent.Add(t.id, st)
	e.mu.Unlock()
	close(t.done)
}
