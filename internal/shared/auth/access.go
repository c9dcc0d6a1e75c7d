package auth

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/crisis/internal/shared/errors"
)

// Relationship kinds between an actor and the user whose data they read
const (
	RelationTherapist = "therapist"
	RelationGuardian  = "guardian"
)

// RelationshipDirectory answers whether actorID holds kind over userID
// (therapist of an assigned client, guardian of their own child).
type RelationshipDirectory interface {
	HasRelationship(ctx context.Context, actorID, userID, kind string) (bool, error)
}

// Access scopes reads to the actor's role and permitted relationships.
type Access struct {
	relationships RelationshipDirectory
}

// NewAccess creates an access checker
func NewAccess(relationships RelationshipDirectory) *Access {
	return &Access{relationships: relationships}
}

// CanView returns nil when actor may read data belonging to userID.
// Admins and the crisis team see everyone; therapists see assigned clients
// and guardians their own children.
func (a *Access) CanView(ctx context.Context, actor *User, userID string) error {
	if actor == nil {
		return errors.Unauthorized("authentication required")
	}
	if actor.ID == userID || actor.IsAdmin() || actor.HasRole(RoleCrisisTeam) {
		return nil
	}

	for _, rel := range []struct{ role, kind string }{
		{RoleTherapist, RelationTherapist},
		{RoleGuardian, RelationGuardian},
	} {
		if !actor.HasRole(rel.role) {
			continue
		}
		ok, err := a.relationships.HasRelationship(ctx, actor.ID, userID, rel.kind)
		if err != nil {
			return errors.UpstreamUnavailable("relationship directory", err)
		}
		if ok {
			return nil
		}
	}

	return errors.Permission("not permitted to access this user's data")
}

// MemoryRelationships is an in-memory RelationshipDirectory
type MemoryRelationships struct {
	mu    sync.RWMutex
	links map[string]bool
}

// NewMemoryRelationships creates an empty directory
func NewMemoryRelationships() *MemoryRelationships {
	return &MemoryRelationships{links: make(map[string]bool)}
}

// Link records that actorID holds kind over userID
func (m *MemoryRelationships) Link(actorID, userID, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[actorID+"|"+userID+"|"+kind] = true
}

func (m *MemoryRelationships) HasRelationship(_ context.Context, actorID, userID, kind string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[actorID+"|"+userID+"|"+kind], nil
}

// PostgresRelationships reads the care_relationships table
type PostgresRelationships struct {
	pool *pgxpool.Pool
}

// NewPostgresRelationships creates a Postgres-backed directory
func NewPostgresRelationships(pool *pgxpool.Pool) *PostgresRelationships {
	return &PostgresRelationships{pool: pool}
}

func (p *PostgresRelationships) HasRelationship(ctx context.Context, actorID, userID, kind string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `
		SELECT 1 FROM care_relationships
		WHERE actor_id = $1 AND user_id = $2 AND kind = $3 AND active
	`, actorID, userID, kind).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
