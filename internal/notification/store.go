package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

// Store persists notification state across restarts
type Store interface {
	Save(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByAlert(ctx context.Context, alertID string) ([]*Notification, error)
}

// PostgresStore keeps notifications in the notifications table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, n *Notification) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("notification_save", time.Since(start)) }()

	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, alert_id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		n.ID, n.AlertID, string(n.Status), payload, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save notification")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM notifications WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get notification")
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Wrap(err, "failed to decode notification")
	}
	return &n, nil
}

func (s *PostgresStore) ListByAlert(ctx context.Context, alertID string) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM notifications
		WHERE alert_id = $1
		ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, errors.Wrap(err, "failed to decode notification")
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
