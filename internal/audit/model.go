package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/carecircle/crisis/internal/shared/types"
)

// canonicalJSON produces deterministic JSON with sorted map keys. Entries
// read back from JSONB or KurrentDB must hash the same as when written.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// ActorType defines the type of actor
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeStaff  ActorType = "staff"
	ActorTypeSystem ActorType = "system"
)

// CrisisEvent is what callers hand to the logger. Chain fields are filled
// in on append.
type CrisisEvent struct {
	Type         string
	Source       string
	ActorID      string
	ActorType    string
	UserID       string
	ResourceType string
	ResourceID   string
	Severity     string
	Data         map[string]any
	OccurredAt   time.Time
}

// Entry is an immutable, hash-chained intervention log record
type Entry struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`

	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorType ActorType `json:"actor_type"`
	UserID    string    `json:"user_id,omitempty"`

	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// NewEntry builds an unchained entry from a crisis event
func NewEntry(ev CrisisEvent) *Entry {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	actorType := ActorType(ev.ActorType)
	if actorType == "" {
		actorType = ActorTypeSystem
	}

	return &Entry{
		ID:           types.NewID(),
		Timestamp:    ts.UTC().Truncate(time.Microsecond),
		EventType:    ev.Type,
		Source:       ev.Source,
		ActorID:      ev.ActorID,
		ActorType:    actorType,
		UserID:       ev.UserID,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Severity:     ev.Severity,
		Data:         ev.Data,
	}
}

// ComputeHash returns the SHA-256 over the entry's canonical JSON
func (e *Entry) ComputeHash() string {
	data := map[string]any{
		"id":         e.ID,
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":  e.PrevHash,
		"event_type": e.EventType,
		"source":     e.Source,
		"actor_type": e.ActorType,
	}

	optional := map[string]string{
		"actor_id":      e.ActorID,
		"user_id":       e.UserID,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"severity":      e.Severity,
	}
	for k, v := range optional {
		if v != "" {
			data[k] = v
		}
	}
	if len(e.Data) > 0 {
		data["data"] = e.Data
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.ComputeHash()
}

// ListFilter narrows List results
type ListFilter struct {
	UserID       string
	EventType    string
	ResourceType string
	ResourceID   string
	Limit        int
	Offset       int
}

func (f ListFilter) matches(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	return true
}

// VerifyResult reports the outcome of a chain verification
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	LastHash     string `json:"last_hash,omitempty"`
	LastSequence int64  `json:"last_sequence,omitempty"`
}

// VerifyChain checks entries, ordered by sequence, and reports the first
// broken link. A slice starting at sequence 1 must have an empty prevHash.
func VerifyChain(entries []*Entry) VerifyResult {
	result := VerifyResult{Valid: true}

	for i, e := range entries {
		result.Checked++

		if !e.VerifyHash() {
			return broken(result, e, "content hash mismatch")
		}

		if i == 0 {
			if e.Sequence == 1 && e.PrevHash != "" {
				return broken(result, e, "first entry has a previous hash")
			}
		} else {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return broken(result, e, fmt.Sprintf("sequence gap after %d", prev.Sequence))
			}
			if e.PrevHash != prev.Hash {
				return broken(result, e, "previous hash does not match")
			}
		}

		result.LastHash = e.Hash
		result.LastSequence = e.Sequence
	}

	return result
}

func broken(result VerifyResult, e *Entry, reason string) VerifyResult {
	result.Valid = false
	result.BrokenAt = e.Sequence
	result.Reason = reason
	return result
}
