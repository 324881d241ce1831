package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

var ErrDuplicateSubscriber = errors.New("subscriber already registered")

// Registry tracks live-push and durable subscribers.
// The id map and the topic index change together under one lock, so
// Resolve never observes a half-applied register or deregister.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]alerts.Subscriber
	byTopic map[string]map[string]struct{} // topic -> subscriber ids
}

func New() *Registry {
	return &Registry{
		byID:    make(map[string]alerts.Subscriber),
		byTopic: make(map[string]map[string]struct{}),
	}
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if strings.EqualFold(t, alerts.TopicAll) {
			t = alerts.TopicAll
		}
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Register adds sub. It fails with ErrDuplicateSubscriber if the id exists.
func (r *Registry) Register(sub alerts.Subscriber) error {
	sub.Topics = normalizeTopics(sub.Topics)
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[sub.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, sub.ID)
	}
	r.byID[sub.ID] = sub
	for _, topic := range sub.Topics {
		ids, ok := r.byTopic[topic]
		if !ok {
			ids = make(map[string]struct{})
			r.byTopic[topic] = ids
		}
		ids[sub.ID] = struct{}{}
	}
	return nil
}

// Deregister removes id. Unknown ids are ignored.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for _, topic := range sub.Topics {
		ids := r.byTopic[topic]
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

// Resolve returns the subscribers of cameraID (directly or via "all")
// whose threshold is at or below sev, ordered by id.
func (r *Registry) Resolve(cameraID string, sev alerts.Severity) []alerts.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []alerts.Subscriber
	collect := func(topic string) {
		for id := range r.byTopic[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sub := r.byID[id]
			if sub.MinSeverity <= sev {
				out = append(out, sub)
			}
		}
	}
	if cameraID != alerts.TopicAll {
		collect(cameraID)
	}
	collect(alerts.TopicAll)

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id string) (alerts.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *Registry) List() []alerts.Subscriber {
	r.mu.RLock()
	out := make([]alerts.Subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, sub)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
