package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn       Conn
	prefix     string
	maxRetries int
}

func NewPublisher(conn Conn, prefix string, maxRetries int) *Publisher {
	if prefix == "" {
		prefix = "detections"
	}
	return &Publisher{conn: conn, prefix: prefix, maxRetries: maxRetries}
}

func (p *Publisher) PublishEvent(ctx context.Context, ev alerts.DetectionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	return p.publish(ctx, p.prefix+"."+token(ev.CameraID)+"."+token(ev.DetectionType), data)
}

func (p *Publisher) PublishMatch(ctx context.Context, m alerts.WatchlistMatch) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	return p.publish(ctx, p.prefix+"."+watchlistToken, data)
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte) error {
	var err error
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(subject, data); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
