package data

import (
	"context"
	"fmt"
	"time"
)

// ArchivedAlert points at an alert record written to object storage.
type ArchivedAlert struct {
	AlertID     string    `json:"alert_id"`
	CameraID    string    `json:"camera_id"`
	Severity    int       `json:"severity"`
	ObjectKey   string    `json:"object_key"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	Canceled    bool      `json:"canceled"`
	CompletedAt time.Time `json:"completed_at"`
}

type ArchiveIndexModel struct {
	DB DBTX
}

// Upsert records the archive location. Re-archiving an alert overwrites it.
func (m ArchiveIndexModel) Upsert(ctx context.Context, a ArchivedAlert) error {
	query := `
		INSERT INTO alert_archive (alert_id, camera_id, severity, object_key, delivered, failed, canceled, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO UPDATE
		SET object_key = EXCLUDED.object_key,
		    delivered = EXCLUDED.delivered,
		    failed = EXCLUDED.failed,
		    canceled = EXCLUDED.canceled,
		    completed_at = EXCLUDED.completed_at`

	_, err := m.DB.ExecContext(ctx, query,
		a.AlertID, a.CameraID, a.Severity, a.ObjectKey, a.Delivered, a.Failed, a.Canceled, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("index archived alert %s: %w", a.AlertID, err)
	}
	return nil
}

// ListByCamera returns the most recent archived alerts of a camera.
func (m ArchiveIndexModel) ListByCamera(ctx context.Context, cameraID string, limit int) ([]ArchivedAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT alert_id, camera_id, severity, object_key, delivered, failed, canceled, completed_at
		FROM alert_archive
		WHERE camera_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived alerts: %w", err)
	}
	defer rows.Close()

	var out []ArchivedAlert
	for rows.Next() {
		var a ArchivedAlert
		if err := rows.Scan(&a.AlertID, &a.CameraID, &a.Severity, &a.ObjectKey, &a.Delivered, &a.Failed, &a.Canceled, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan archived alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
