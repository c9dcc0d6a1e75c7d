package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/carecircle/crisis/internal/shared/events"
)

// ignored events are either produced by the logger itself or too chatty to
// be worth an entry.
var ignored = map[string]bool{
	events.TypeEventLogged:          true,
	events.TypeLogError:             true,
	events.TypeBreathingPhaseUpdate: true,
}

// resourcePrefixes maps event type prefixes to the resource they concern
var resourcePrefixes = []struct {
	prefix   string
	resource string
}{
	{"crisis_", "detection"},
	{"detection_", "detection"},
	{"alert_", "alert"},
	{"escalation_", "alert"},
	{"notification_", "notification"},
	{"panic_", "panic_session"},
	{"resource_", "panic_session"},
	{"breathing_", "panic_session"},
	{"emergency_", "panic_session"},
	{"config_", "config"},
}

// Subscriber turns bus events into intervention log entries
type Subscriber struct {
	logger *Logger
}

// NewSubscriber creates a subscriber writing through logger
func NewSubscriber(logger *Logger) *Subscriber {
	return &Subscriber{logger: logger}
}

// Attach subscribes to every event on the bus
func (s *Subscriber) Attach(bus *events.Bus) func() {
	return bus.Subscribe("*", "audit-subscriber", s.handleEvent)
}

func (s *Subscriber) handleEvent(ctx context.Context, event events.Event) error {
	ce, ok := eventToCrisisEvent(event)
	if !ok {
		return nil
	}
	s.logger.LogCrisisEvent(ctx, ce)
	return nil
}

func eventToCrisisEvent(event events.Event) (CrisisEvent, bool) {
	if ignored[event.Type] {
		return CrisisEvent{}, false
	}

	resourceType := "event"
	for _, p := range resourcePrefixes {
		if strings.HasPrefix(event.Type, p.prefix) {
			resourceType = p.resource
			break
		}
	}

	data := dataMap(event.Data)
	if event.CorrelationID != "" {
		if data == nil {
			data = map[string]any{}
		}
		data["correlation_id"] = event.CorrelationID
	}

	return CrisisEvent{
		Type:         event.Type,
		Source:       event.Source,
		ActorID:      event.ActorID,
		ActorType:    normalizeActorType(event.ActorType),
		UserID:       event.UserID,
		ResourceType: resourceType,
		ResourceID:   firstString(data, resourceIDKey(resourceType), "id", "alert_id", "session_id"),
		Severity:     firstString(data, "severity", "risk_level"),
		Data:         data,
		OccurredAt:   event.Timestamp,
	}, true
}

func resourceIDKey(resourceType string) string {
	if resourceType == "panic_session" {
		return "session_id"
	}
	return resourceType + "_id"
}

func normalizeActorType(actorType string) string {
	switch actorType {
	case string(ActorTypeUser), string(ActorTypeStaff):
		return actorType
	default:
		return string(ActorTypeSystem)
	}
}

// dataMap converts typed payloads to a generic map through JSON so they can
// be hashed canonically.
func dataMap(data any) map[string]any {
	if data == nil {
		return nil
	}
	if m, ok := data.(map[string]any); ok {
		return m
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{"unencodable": true}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"value": string(raw)}
	}
	return m
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
