// Package history keeps the append-only audit trail of delivery attempts.
package history

import (
	"context"
	"sync"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

// Store is append-only: there are no update or delete operations.
type Store interface {
	Append(ctx context.Context, attempt alerts.DeliveryAttempt) error
	// List returns the attempts of one alert in append order.
	List(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string][]alerts.DeliveryAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]alerts.DeliveryAttempt)}
}

func (s *MemoryStore) Append(_ context.Context, a alerts.DeliveryAttempt) error {
	s.mu.Lock()
	s.attempts[a.AlertID] = append(s.attempts[a.AlertID], a)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, alertID string) ([]alerts.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[alertID]
	out := make([]alerts.DeliveryAttempt, len(src))
	copy(out, src)
	return out, nil
}
