package alert

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

// Repository persists alerts. Save is an upsert that ignores snapshots
// older than the stored version.
type Repository interface {
	Save(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, filter ListFilter) ([]*Alert, int, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// MemoryRepository keeps alerts in memory
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]*Alert)}
}

func (r *MemoryRepository) Save(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.alerts[a.ID]; ok && existing.Version > a.Version {
		return nil
	}
	r.alerts[a.ID] = a.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[id]
	if !ok {
		return nil, errors.NotFound("alert", id)
	}
	return a.clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Alert, int, error) {
	r.mu.RLock()
	var out []*Alert
	for _, a := range r.alerts {
		if filter.matches(a) {
			out = append(out, a.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Alert{}, total, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (r *MemoryRepository) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.alerts {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PostgresRepository stores alerts in emergency_alerts
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Postgres-backed repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Save(ctx context.Context, a *Alert) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("alert_save", time.Since(start)) }()

	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "failed to encode alert")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO emergency_alerts (id, user_id, type, severity, status, version, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
		WHERE emergency_alerts.version <= EXCLUDED.version`,
		a.ID, a.UserID, a.Type, a.Severity, a.Status, a.Version, payload, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save alert")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Alert, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM emergency_alerts WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("alert", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get alert")
	}

	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, errors.Wrap(err, "failed to decode alert")
	}
	return &a, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Alert, int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("alert_list", time.Since(start)) }()

	var since *time.Time
	if !filter.Since.IsZero() {
		since = &filter.Since
	}
	args := []any{filter.UserID, string(filter.Status), string(filter.Severity), string(filter.Type), since}
	where := `
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR severity = $3)
		  AND ($4 = '' OR type = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM emergency_alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count alerts")
	}

	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := r.pool.Query(ctx, `SELECT payload FROM emergency_alerts`+where+`
		ORDER BY created_at DESC, id
		LIMIT $6 OFFSET $7`, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	out := make([]*Alert, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan alert")
		}
		var a Alert
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, 0, errors.Wrap(err, "failed to decode alert")
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM emergency_alerts
		WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count alerts")
	}
	return n, nil
}
