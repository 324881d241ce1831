package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/technosupport/vms-alerts/internal/alerts"
)

const uniqueViolation = "23505"

// RecipientModel persists email and SMS subscribers. Live-push subscribers
// live only as long as their socket and are never stored.
type RecipientModel struct {
	DB DBTX
}

func (m RecipientModel) Insert(ctx context.Context, sub alerts.Subscriber) error {
	if !sub.Channel.IsOutOfBand() {
		return fmt.Errorf("%w: channel %s is not durable", alerts.ErrInvalidSubscriber, sub.Channel)
	}
	query := `
		INSERT INTO alert_recipients (subscriber_id, channel_kind, address, topics, min_severity)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := m.DB.ExecContext(ctx, query,
		sub.ID, string(sub.Channel), sub.Address, pq.Array(sub.Topics), int(sub.MinSeverity))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, sub.ID)
		}
		return fmt.Errorf("insert recipient %s: %w", sub.ID, err)
	}
	return nil
}

// Delete removes a recipient. Missing rows are not an error.
func (m RecipientModel) Delete(ctx context.Context, id string) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM alert_recipients WHERE subscriber_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recipient %s: %w", id, err)
	}
	return nil
}

func (m RecipientModel) List(ctx context.Context) ([]alerts.Subscriber, error) {
	query := `
		SELECT subscriber_id, channel_kind, address, topics, min_severity
		FROM alert_recipients
		ORDER BY subscriber_id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []alerts.Subscriber
	for rows.Next() {
		var (
			s       alerts.Subscriber
			channel string
			sev     int
		)
		if err := rows.Scan(&s.ID, &channel, &s.Address, pq.Array(&s.Topics), &sev); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		s.Channel = alerts.ChannelKind(channel)
		s.MinSeverity = alerts.Severity(sev)
		out = append(out, s)
	}
	return out, rows.Err()
}

type Registrar interface {
	Register(sub alerts.Subscriber) error
}

// LoadInto registers every stored recipient. Rows that fail validation are
// skipped and reported in the returned error; the rest are still loaded.
func (m RecipientModel) LoadInto(ctx context.Context, reg Registrar) (int, error) {
	subs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, s := range subs {
		if err := reg.Register(s); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
