package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

// Repository provides append-only intervention log operations
type Repository interface {
	// Append assigns sequence, prevHash and hash, then stores the entry.
	Append(ctx context.Context, entry *Entry) error
	// List returns matching entries, newest first, and the total match count.
	List(ctx context.Context, filter ListFilter) ([]*Entry, int, error)
	// Chain returns up to limit entries in sequence order starting at fromSeq.
	Chain(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error)
}

// chainState serializes appends so each entry links to its predecessor.
type chainState struct {
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// append links entry to the chain head and runs write while the chain is
// locked. The head only advances when write succeeds.
func (c *chainState) append(entry *Entry, write func(*Entry) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Sequence = c.sequence + 1
	entry.PrevHash = c.lastHash
	entry.Hash = entry.ComputeHash()

	if err := write(entry); err != nil {
		return err
	}

	c.sequence = entry.Sequence
	c.lastHash = entry.Hash
	return nil
}

func (c *chainState) reset(sequence int64, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = sequence
	c.lastHash = hash
}

// Head returns the current sequence and hash
func (c *chainState) Head() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence, c.lastHash
}

// MemoryRepository keeps the chain in memory
type MemoryRepository struct {
	chainState
	entriesMu sync.RWMutex
	entries   []*Entry
}

// NewMemoryRepository creates an empty in-memory log
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(_ context.Context, entry *Entry) error {
	return r.append(entry, func(e *Entry) error {
		r.entriesMu.Lock()
		defer r.entriesMu.Unlock()
		r.entries = append(r.entries, e)
		return nil
	})
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Entry, int, error) {
	r.entriesMu.RLock()
	defer r.entriesMu.RUnlock()

	var matched []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if filter.matches(r.entries[i]) {
			matched = append(matched, r.entries[i])
		}
	}
	return paginate(matched, filter), len(matched), nil
}

func (r *MemoryRepository) Chain(_ context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	r.entriesMu.RLock()
	defer r.entriesMu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.Sequence < fromSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func paginate(entries []*Entry, filter ListFilter) []*Entry {
	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return []*Entry{}
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries
}

// PostgresRepository stores the chain in intervention_log
type PostgresRepository struct {
	chainState
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Postgres-backed log
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Initialize loads the chain head from the database
func (r *PostgresRepository) Initialize(ctx context.Context) error {
	var (
		sequence int64
		hash     string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT sequence, hash FROM intervention_log
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&sequence, &hash)
	if err != nil && err != pgx.ErrNoRows {
		return errors.Wrap(err, "failed to get last intervention log hash")
	}

	r.reset(sequence, hash)
	return nil
}

func (r *PostgresRepository) Append(ctx context.Context, entry *Entry) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("audit_append", time.Since(start)) }()

	return r.append(entry, func(e *Entry) error {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return errors.Wrap(err, "failed to marshal entry data")
		}

		_, err = r.pool.Exec(ctx, `
			INSERT INTO intervention_log (
				sequence, id, timestamp, hash, prev_hash,
				event_type, source, actor_id, actor_type, user_id,
				resource_type, resource_id, severity, data
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			e.Sequence, e.ID, e.Timestamp, e.Hash, e.PrevHash,
			e.EventType, e.Source, e.ActorID, string(e.ActorType), e.UserID,
			e.ResourceType, e.ResourceID, e.Severity, data,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert intervention log entry")
		}
		return nil
	})
}

const entryColumns = `sequence, id::text, timestamp, hash, prev_hash, event_type, source,
	actor_id, actor_type, user_id, resource_type, resource_id, severity, data`

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	where := `WHERE ($1 = '' OR user_id = $1)
		AND ($2 = '' OR event_type = $2)
		AND ($3 = '' OR resource_type = $3)
		AND ($4 = '' OR resource_id = $4)`
	args := []any{filter.UserID, filter.EventType, filter.ResourceType, filter.ResourceID}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM intervention_log `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count intervention log entries")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM intervention_log `+where+`
		ORDER BY sequence DESC LIMIT $5 OFFSET $6`, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list intervention log entries")
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *PostgresRepository) Chain(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM intervention_log
		WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`, fromSeq, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read intervention log chain")
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			actorType string
			data      []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.Timestamp, &e.Hash, &e.PrevHash, &e.EventType, &e.Source,
			&e.ActorID, &actorType, &e.UserID, &e.ResourceType, &e.ResourceID, &e.Severity, &data,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan intervention log entry")
		}
		e.ActorType = ActorType(actorType)
		e.Timestamp = e.Timestamp.UTC()
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, errors.Wrap(err, "failed to decode entry data")
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate intervention log")
	}
	return entries, nil
}
