package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/errors"
)

// Protocol defines the escalation path for alerts it applies to. Condition
// is an expr program over type, severity, severityRank, hasLocation and
// userState. An empty condition always holds.
type Protocol struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	AlertTypes []Type            `json:"alert_types"`
	Condition  string            `json:"condition,omitempty"`
	Levels     []EscalationLevel `json:"levels"`
	Active     bool              `json:"active"`
}

func (p *Protocol) appliesTo(t Type) bool {
	for _, at := range p.AlertTypes {
		if at == t {
			return true
		}
	}
	return false
}

// ProtocolSource supplies protocols, e.g. from the escalation_protocols table
type ProtocolSource interface {
	Protocols(ctx context.Context) ([]*Protocol, error)
}

// ProtocolEngine picks the escalation path for an alert
type ProtocolEngine struct {
	source ProtocolSource
	log    *logrus.Entry

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewProtocolEngine creates an engine over source. A nil source serves the
// built-in protocols.
func NewProtocolEngine(source ProtocolSource, log *logrus.Entry) *ProtocolEngine {
	if source == nil {
		source = StaticProtocols(DefaultProtocols())
	}
	return &ProtocolEngine{
		source:   source,
		log:      log,
		programs: make(map[string]*vm.Program),
	}
}

// Validate compiles a protocol's condition without running it
func (e *ProtocolEngine) Validate(p *Protocol) error {
	_, err := e.program(p.Condition)
	return err
}

// PathFor returns a copy of the levels of the first active protocol, by
// priority, that covers the alert type and whose condition holds.
func (e *ProtocolEngine) PathFor(ctx context.Context, a *Alert) (string, []EscalationLevel, error) {
	protocols, err := e.source.Protocols(ctx)
	if err != nil {
		return "", nil, errors.UpstreamUnavailable("protocol source", err)
	}

	sorted := append([]*Protocol(nil), protocols...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	env := conditionEnv(a)
	for _, p := range sorted {
		if !p.Active || !p.appliesTo(a.Type) || len(p.Levels) == 0 {
			continue
		}
		ok, err := e.evaluate(p.Condition, env)
		if err != nil {
			e.log.WithError(err).WithField("protocol_id", p.ID).Warn("protocol condition failed")
			continue
		}
		if ok {
			return p.ID, copyLevels(p.Levels), nil
		}
	}

	return "", nil, nil
}

func (e *ProtocolEngine) evaluate(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	program, err := e.program(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (e *ProtocolEngine) program(condition string) (*vm.Program, error) {
	if condition == "" {
		return nil, nil
	}

	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.Env(conditionEnv(&Alert{})), expr.AsBool())
	if err != nil {
		return nil, errors.Validation(fmt.Sprintf("invalid protocol condition: %v", err), nil)
	}

	e.mu.Lock()
	e.programs[condition] = program
	e.mu.Unlock()
	return program, nil
}

func conditionEnv(a *Alert) map[string]any {
	userState := a.Context.UserState
	if userState == nil {
		userState = map[string]any{}
	}
	return map[string]any{
		"type":         string(a.Type),
		"severity":     string(a.Severity),
		"severityRank": a.Severity.Rank(),
		"hasLocation":  a.Context.Location != nil,
		"userState":    userState,
	}
}

// copyLevels numbers the levels from 1 and resets their runtime state
func copyLevels(levels []EscalationLevel) []EscalationLevel {
	out := make([]EscalationLevel, len(levels))
	for i, l := range levels {
		out[i] = EscalationLevel{
			Level:          i + 1,
			ContactLevel:   l.ContactLevel,
			ContactIDs:     append([]string(nil), l.ContactIDs...),
			TimeoutMinutes: l.TimeoutMinutes,
			Methods:        append([]notification.Method(nil), l.Methods...),
		}
	}
	return out
}

// StaticProtocols serves a fixed protocol list
type StaticProtocols []*Protocol

func (s StaticProtocols) Protocols(context.Context) ([]*Protocol, error) {
	return s, nil
}

// PostgresProtocols reads active protocols from escalation_protocols and
// falls back to the built-in set when the table is empty.
type PostgresProtocols struct {
	pool *pgxpool.Pool
}

// NewPostgresProtocols creates a Postgres protocol source
func NewPostgresProtocols(pool *pgxpool.Pool) *PostgresProtocols {
	return &PostgresProtocols{pool: pool}
}

func (s *PostgresProtocols) Protocols(ctx context.Context) ([]*Protocol, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, priority, alert_types, condition, levels, active
		FROM escalation_protocols
		WHERE active
		ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query protocols: %w", err)
	}
	defer rows.Close()

	var out []*Protocol
	for rows.Next() {
		var (
			p      Protocol
			types  []string
			levels []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Priority, &types, &p.Condition, &levels, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan protocol: %w", err)
		}
		for _, t := range types {
			p.AlertTypes = append(p.AlertTypes, Type(t))
		}
		if err := json.Unmarshal(levels, &p.Levels); err != nil {
			return nil, fmt.Errorf("failed to decode levels of protocol %s: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return DefaultProtocols(), nil
	}
	return out, nil
}
