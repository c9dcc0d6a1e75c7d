package detection

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

// ResultRepository persists detection results
type ResultRepository interface {
	Save(ctx context.Context, result *Result) error
	Get(ctx context.Context, id string) (*Result, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Result, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// MemoryRepository keeps results in memory
type MemoryRepository struct {
	mu      sync.RWMutex
	results map[string]Result
	byUser  map[string][]string
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		results: make(map[string]Result),
		byUser:  make(map[string][]string),
	}
}

func (r *MemoryRepository) Save(_ context.Context, result *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.results[result.ID]; exists {
		return errors.Conflict("detection result already exists")
	}
	r.results[result.ID] = *result
	r.byUser[result.UserID] = append(r.byUser[result.UserID], result.ID)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result, ok := r.results[id]
	if !ok {
		return nil, errors.NotFound("detection", id)
	}
	return &result, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string, limit int) ([]Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.results[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.byUser[userID] {
		if !r.results[id].DetectedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PostgresRepository stores results in detection_results
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Postgres-backed repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Save(ctx context.Context, result *Result) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("detection_save", time.Since(start)) }()

	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode detection result")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO detection_results (
			id, message_id, user_id, conversation_id, confidence, risk_level,
			escalation_level, requires_immediate, payload, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		result.ID, result.MessageID, result.UserID, result.ConversationID, result.Confidence,
		result.RiskLevel, result.EscalationLevel, result.RequiresImmediate, payload, result.DetectedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save detection result")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Result, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM detection_results WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("detection", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get detection result")
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode detection result")
	}
	return &result, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Result, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payload FROM detection_results
		WHERE user_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list detection results")
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan detection result")
		}
		var result Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, errors.Wrap(err, "failed to decode detection result")
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM detection_results
		WHERE user_id = $1 AND detected_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count detection results")
	}
	return n, nil
}
