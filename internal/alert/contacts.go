package alert

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/metrics"
	"github.com/carecircle/crisis/internal/shared/types"
)

// ContactLevel is the escalation tier a contact belongs to
type ContactLevel string

const (
	ContactPrimary      ContactLevel = "primary"
	ContactSecondary    ContactLevel = "secondary"
	ContactProfessional ContactLevel = "professional"
	ContactCrisisTeam   ContactLevel = "crisis_team"
)

// ContactLevelFor maps an escalation level number to the contact tier it
// reaches.
func ContactLevelFor(level int) ContactLevel {
	switch level {
	case 1:
		return ContactPrimary
	case 2:
		return ContactSecondary
	case 3:
		return ContactProfessional
	}
	return ContactCrisisTeam
}

// ContactMethod is one way of reaching a contact. Lower priority is tried
// first.
type ContactMethod struct {
	Type     notification.Method `json:"type" validate:"required,contact_method"`
	Value    string              `json:"value" validate:"required,max=320"`
	Priority int                 `json:"priority"`
	Verified bool                `json:"verified"`
	Active   bool                `json:"active"`
}

type Availability struct {
	Timezone        string            `json:"timezone,omitempty"`
	Schedule        map[string]string `json:"schedule,omitempty"`
	EmergencyOnly   bool              `json:"emergency_only"`
	AlwaysAvailable bool              `json:"always_available"`
}

type Permissions struct {
	CanReceiveAlerts     bool `json:"can_receive_alerts"`
	CanAcknowledgeAlerts bool `json:"can_acknowledge_alerts"`
	CanEscalateAlerts    bool `json:"can_escalate_alerts"`
	CanAccessUserData    bool `json:"can_access_user_data"`
}

type ContactMetadata struct {
	ResponseRate        float64 `json:"response_rate"`
	AverageResponseTime float64 `json:"average_response_time"`
}

// EmergencyContact is someone to notify when a user's alert escalates.
// Crisis team contacts may have an empty UserID, which makes them reachable
// for every user.
type EmergencyContact struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Name            string          `json:"name" validate:"required,max=200"`
	Relationship    string          `json:"relationship,omitempty" validate:"max=100"`
	ContactMethods  []ContactMethod `json:"contact_methods" validate:"required,min=1,dive"`
	Availability    Availability    `json:"availability"`
	EscalationLevel ContactLevel    `json:"escalation_level" validate:"required,oneof=primary secondary professional crisis_team"`
	Permissions     Permissions     `json:"permissions"`
	Metadata        ContactMetadata `json:"metadata"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// bestMethod returns the active method of type m with the lowest priority
func (c *EmergencyContact) bestMethod(m notification.Method) (ContactMethod, bool) {
	var best ContactMethod
	found := false
	for _, cm := range c.ContactMethods {
		if !cm.Active || cm.Type != m {
			continue
		}
		if !found || cm.Priority < best.Priority {
			best, found = cm, true
		}
	}
	return best, found
}

// activeMethods returns the contact's active method types in priority order
func (c *EmergencyContact) activeMethods() []notification.Method {
	methods := make([]ContactMethod, 0, len(c.ContactMethods))
	for _, cm := range c.ContactMethods {
		if cm.Active {
			methods = append(methods, cm)
		}
	}
	sort.SliceStable(methods, func(i, j int) bool { return methods[i].Priority < methods[j].Priority })

	seen := make(map[notification.Method]bool)
	var out []notification.Method
	for _, cm := range methods {
		if !seen[cm.Type] {
			seen[cm.Type] = true
			out = append(out, cm.Type)
		}
	}
	return out
}

func (c *EmergencyContact) topPriority() int {
	top := int(^uint(0) >> 1)
	for _, cm := range c.ContactMethods {
		if cm.Active && cm.Priority < top {
			top = cm.Priority
		}
	}
	return top
}

// ContactQuery selects the contacts for one escalation level
type ContactQuery struct {
	UserID     string
	Level      int
	Tier       ContactLevel
	ContactIDs []string
	Severity   Severity
	AlertType  Type
}

// ContactDirectory resolves who to notify for an escalation level
type ContactDirectory interface {
	ResolveContacts(ctx context.Context, q ContactQuery) ([]*EmergencyContact, error)
}

// ContactStore manages emergency contacts
type ContactStore interface {
	ContactDirectory
	List(ctx context.Context, userID string) ([]*EmergencyContact, error)
	Get(ctx context.Context, id string) (*EmergencyContact, error)
	Save(ctx context.Context, c *EmergencyContact) error
	Delete(ctx context.Context, id string) error
}

// selectContacts applies the resolution rules to candidates: the requested
// tier (or explicit IDs), permission to receive alerts, emergency-only
// availability and at least one active method. Results are ordered by
// their best method priority.
func selectContacts(candidates []*EmergencyContact, q ContactQuery) []*EmergencyContact {
	tier := q.Tier
	if tier == "" {
		tier = ContactLevelFor(q.Level)
	}
	wanted := make(map[string]bool, len(q.ContactIDs))
	for _, id := range q.ContactIDs {
		wanted[id] = true
	}

	var out []*EmergencyContact
	for _, c := range candidates {
		if c.UserID != "" && c.UserID != q.UserID {
			continue
		}
		if len(wanted) > 0 {
			if !wanted[c.ID] {
				continue
			}
		} else {
			if c.EscalationLevel != tier {
				continue
			}
			// shared contacts only serve the crisis team tier
			if c.UserID == "" && tier != ContactCrisisTeam {
				continue
			}
		}
		if !c.Permissions.CanReceiveAlerts {
			continue
		}
		if c.Availability.EmergencyOnly && !q.Severity.Immediate() {
			continue
		}
		if len(c.activeMethods()) == 0 {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].topPriority() < out[j].topPriority() })
	return out
}

func cloneContact(c *EmergencyContact) *EmergencyContact {
	cp := *c
	cp.ContactMethods = append([]ContactMethod(nil), c.ContactMethods...)
	if c.Availability.Schedule != nil {
		cp.Availability.Schedule = make(map[string]string, len(c.Availability.Schedule))
		for k, v := range c.Availability.Schedule {
			cp.Availability.Schedule[k] = v
		}
	}
	return &cp
}

// MemoryContactStore keeps contacts in memory
type MemoryContactStore struct {
	mu       sync.RWMutex
	contacts map[string]*EmergencyContact
}

// NewMemoryContactStore creates an empty store
func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{contacts: make(map[string]*EmergencyContact)}
}

func (s *MemoryContactStore) List(_ context.Context, userID string) ([]*EmergencyContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EmergencyContact
	for _, c := range s.contacts {
		if c.UserID == userID {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalationLevel != out[j].EscalationLevel {
			return tierRank(out[i].EscalationLevel) < tierRank(out[j].EscalationLevel)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryContactStore) Get(_ context.Context, id string) (*EmergencyContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, errors.NotFound("contact", id)
	}
	return cloneContact(c), nil
}

func (s *MemoryContactStore) Save(_ context.Context, c *EmergencyContact) error {
	if c.ID == "" {
		c.ID = types.NewID()
	}
	c.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = cloneContact(c)
	return nil
}

func (s *MemoryContactStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contacts[id]; !ok {
		return errors.NotFound("contact", id)
	}
	delete(s.contacts, id)
	return nil
}

func (s *MemoryContactStore) ResolveContacts(_ context.Context, q ContactQuery) ([]*EmergencyContact, error) {
	s.mu.RLock()
	candidates := make([]*EmergencyContact, 0, len(s.contacts))
	for _, c := range s.contacts {
		candidates = append(candidates, cloneContact(c))
	}
	s.mu.RUnlock()

	// map iteration order is random; keep resolution stable
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return selectContacts(candidates, q), nil
}

func tierRank(l ContactLevel) int {
	switch l {
	case ContactPrimary:
		return 1
	case ContactSecondary:
		return 2
	case ContactProfessional:
		return 3
	}
	return 4
}

// PostgresContactStore stores contacts in emergency_contacts
type PostgresContactStore struct {
	pool *pgxpool.Pool
}

// NewPostgresContactStore creates a Postgres-backed contact store
func NewPostgresContactStore(pool *pgxpool.Pool) *PostgresContactStore {
	return &PostgresContactStore{pool: pool}
}

func (s *PostgresContactStore) List(ctx context.Context, userID string) ([]*EmergencyContact, error) {
	return s.query(ctx, `
		SELECT payload FROM emergency_contacts
		WHERE user_id = $1
		ORDER BY escalation_level, updated_at`, userID)
}

func (s *PostgresContactStore) Get(ctx context.Context, id string) (*EmergencyContact, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM emergency_contacts WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("contact", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get contact")
	}

	var c EmergencyContact
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrap(err, "failed to decode contact")
	}
	return &c, nil
}

func (s *PostgresContactStore) Save(ctx context.Context, c *EmergencyContact) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("contact_save", time.Since(start)) }()

	if c.ID == "" {
		c.ID = types.NewID()
	}
	c.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode contact")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO emergency_contacts (id, user_id, escalation_level, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			escalation_level = EXCLUDED.escalation_level,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.EscalationLevel, payload, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save contact")
	}
	return nil
}

func (s *PostgresContactStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM emergency_contacts WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete contact")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("contact", id)
	}
	return nil
}

func (s *PostgresContactStore) ResolveContacts(ctx context.Context, q ContactQuery) ([]*EmergencyContact, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("contact_resolve", time.Since(start)) }()

	candidates, err := s.query(ctx, `
		SELECT payload FROM emergency_contacts
		WHERE user_id = $1 OR user_id = ''
		ORDER BY id`, q.UserID)
	if err != nil {
		return nil, err
	}
	return selectContacts(candidates, q), nil
}

func (s *PostgresContactStore) query(ctx context.Context, sql string, args ...any) ([]*EmergencyContact, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query contacts")
	}
	defer rows.Close()

	var out []*EmergencyContact
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan contact")
		}
		var c EmergencyContact
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, errors.Wrap(err, "failed to decode contact")
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
