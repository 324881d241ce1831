package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

const DefaultRetention = 7 * 24 * time.Hour

// RedisStore keeps one list per alert: alerts:deliveries:{alert_id}.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

func deliveriesKey(alertID string) string {
	return fmt.Sprintf("alerts:deliveries:%s", alertID)
}

func (s *RedisStore) Append(ctx context.Context, a alerts.DeliveryAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	key := deliveriesKey(a.AlertID)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error) {
	raw, err := s.client.LRange(ctx, deliveriesKey(alertID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]alerts.DeliveryAttempt, 0, len(raw))
	for _, item := range raw {
		var a alerts.DeliveryAttempt
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
