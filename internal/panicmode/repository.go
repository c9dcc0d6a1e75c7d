package panicmode

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

// SessionRepository persists panic sessions
type SessionRepository interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// MemoryRepository keeps sessions in memory
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func (r *MemoryRepository) Save(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("panic session", id)
	}
	return s.clone(), nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string, limit int) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListActive(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID && !s.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PostgresRepository stores sessions in panic_sessions
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Postgres-backed repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Save(ctx context.Context, s *Session) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("panic_session_save", time.Since(start)) }()

	payload, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to encode panic session")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO panic_sessions (id, user_id, status, payload, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			ended_at = EXCLUDED.ended_at`,
		s.ID, s.UserID, s.Status, payload, s.StartedAt, s.EndedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save panic session")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM panic_sessions WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("panic session", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get panic session")
	}
	return decodeSession(payload)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return r.query(ctx, `
		SELECT payload FROM panic_sessions
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, userID, lim)
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]*Session, error) {
	return r.query(ctx, `SELECT payload FROM panic_sessions WHERE status = 'active'`)
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("panic_session_count", time.Since(start)) }()

	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM panic_sessions
		WHERE user_id = $1 AND started_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count panic sessions")
	}
	return n, nil
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]*Session, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("panic_session_list", time.Since(start)) }()

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list panic sessions")
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan panic session")
		}
		s, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func decodeSession(payload []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode panic session")
	}
	return &s, nil
}
