package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

func sub(id string, ch alerts.ChannelKind, threshold alerts.Severity, topics ...string) alerts.Subscriber {
	return alerts.Subscriber{ID: id, Channel: ch, Address: id + "-addr", Topics: topics, MinSeverity: threshold}
}

func ids(subs []alerts.Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sub("a", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))

	err := r.Register(sub("a", alerts.ChannelSMS, alerts.SeverityHigh, "cam-2"))
	assert.ErrorIs(t, err, ErrDuplicateSubscriber)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, alerts.ChannelEmail, got.Channel)
}

func TestRegister_Invalid(t *testing.T) {
	r := New()
	err := r.Register(alerts.Subscriber{ID: "x", Channel: alerts.ChannelEmail, Address: "a@b.c", Topics: []string{" "}})
	assert.ErrorIs(t, err, alerts.ErrInvalidSubscriber)
	assert.Equal(t, 0, r.Len())
}

func TestDeregister_Idempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sub("a", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))

	r.Deregister("a")
	r.Deregister("a")
	r.Deregister("never-existed")

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Resolve("cam-1", alerts.SeverityHigh))

	// The id can be reused after removal.
	assert.NoError(t, r.Register(sub("a", alerts.ChannelSMS, alerts.SeverityLow, "cam-1")))
}

func TestResolve_TopicAndSeverityFilter(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sub("cam1-low", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))
	require.NoError(t, r.Register(sub("cam1-high", alerts.ChannelSMS, alerts.SeverityHigh, "cam-1")))
	require.NoError(t, r.Register(sub("all-medium", alerts.ChannelLivePush, alerts.SeverityMedium, "ALL")))
	require.NoError(t, r.Register(sub("cam2", alerts.ChannelEmail, alerts.SeverityLow, "cam-2")))
	require.NoError(t, r.Register(sub("both", alerts.ChannelEmail, alerts.SeverityLow, "cam-1", "all")))

	assert.Equal(t, []string{"both", "cam1-low"}, ids(r.Resolve("cam-1", alerts.SeverityLow)))
	assert.Equal(t, []string{"all-medium", "both", "cam1-low"}, ids(r.Resolve("cam-1", alerts.SeverityMedium)))
	assert.Equal(t, []string{"all-medium", "both", "cam1-high", "cam1-low"}, ids(r.Resolve("cam-1", alerts.SeverityHigh)))
	assert.Equal(t, []string{"all-medium", "both"}, ids(r.Resolve("cam-unknown", alerts.SeverityHigh)))
}

func TestResolve_UnknownCameraIsEmpty(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sub("a", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))
	assert.Empty(t, r.Resolve("cam-404", alerts.SeverityHigh))
}

// Every resolve result must contain exactly the stable subscribers plus
// some subset of the churning ones, without duplicates.
func TestResolve_ConsistentUnderConcurrency(t *testing.T) {
	r := New()
	stable := []string{"stable-0", "stable-1", "stable-2"}
	for _, id := range stable {
		require.NoError(t, r.Register(sub(id, alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("churn-%d-%d", w, i%5)
				_ = r.Register(sub(id, alerts.ChannelSMS, alerts.SeverityLow, "cam-1", "all"))
				r.Deregister(id)
			}
		}(w)
	}

	for i := 0; i < 2000; i++ {
		got := r.Resolve("cam-1", alerts.SeverityHigh)
		seen := map[string]bool{}
		for _, s := range got {
			require.False(t, seen[s.ID], "duplicate %s", s.ID)
			seen[s.ID] = true
		}
		for _, id := range stable {
			require.True(t, seen[id], "missing %s", id)
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, stable, ids(r.Resolve("cam-1", alerts.SeverityHigh)))
}

func TestList_Sorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sub("b", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))
	require.NoError(t, r.Register(sub("a", alerts.ChannelEmail, alerts.SeverityLow, "cam-1")))
	assert.Equal(t, []string{"a", "b"}, ids(r.List()))
}
