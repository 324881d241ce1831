// Package archive writes completed alerts, with their delivery attempts,
// to object storage and indexes them in Postgres.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/data"
	"github.com/technosupport/vms-alerts/internal/engine"
)

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type HistorySource interface {
	DeliveryHistory(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error)
}

type Indexer interface {
	Upsert(ctx context.Context, a data.ArchivedAlert) error
}

// Record is the archived document.
type Record struct {
	Alert    engine.AlertStatus       `json:"alert"`
	Attempts []alerts.DeliveryAttempt `json:"attempts"`
}

// ObjectKey is alerts/YYYY/MM/DD/<alert_id>.json, dated by completion.
func ObjectKey(alertID string, completedAt time.Time) string {
	return fmt.Sprintf("alerts/%s/%s.json", completedAt.UTC().Format("2006/01/02"), alertID)
}

type Archiver struct {
	store   ObjectStore
	history HistorySource
	index   Indexer
	log     *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan engine.AlertStatus
	wg     sync.WaitGroup
}

// New builds an archiver; index may be nil when Postgres is not configured.
func New(store ObjectStore, history HistorySource, index Indexer, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		store:   store,
		history: history,
		index:   index,
		log:     log,
		timeout: 15 * time.Second,
		queue:   make(chan engine.AlertStatus, 1024),
	}
}

func (a *Archiver) Archive(ctx context.Context, st engine.AlertStatus) error {
	attempts, err := a.history.DeliveryHistory(ctx, st.AlertID)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", st.AlertID, err)
	}
	body, err := json.Marshal(Record{Alert: st, Attempts: attempts})
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	key := ObjectKey(st.AlertID, st.UpdatedAt)
	if err := a.store.Put(ctx, key, body, "application/json"); err != nil {
		return err
	}
	if a.index == nil {
		return nil
	}
	return a.index.Upsert(ctx, data.ArchivedAlert{
		AlertID:     st.AlertID,
		CameraID:    st.CameraID,
		Severity:    int(st.Severity),
		ObjectKey:   key,
		Delivered:   st.Delivered,
		Failed:      st.Failed + st.TimedOut,
		Canceled:    st.Canceled,
		CompletedAt: st.UpdatedAt,
	})
}

// Enqueue is the engine completion hook. It never blocks; when the queue is
// full or the archiver has stopped, the alert is logged and not archived.
func (a *Archiver) Enqueue(st engine.AlertStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.log.Warn("archiver stopped, dropping", zap.String("alert_id", st.AlertID))
		return
	}
	select {
	case a.queue <- st:
	default:
		a.log.Warn("archive queue full, dropping", zap.String("alert_id", st.AlertID))
	}
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for st := range a.queue {
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			if err := a.Archive(ctx, st); err != nil {
				a.log.Error("archive failed", zap.String("alert_id", st.AlertID), zap.Error(err))
			}
			cancel()
		}
	}()
}

// Stop drains queued records. Completions that arrive afterwards, from
// deliveries still running past an engine close timeout, are dropped.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
