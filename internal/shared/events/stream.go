package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/config"
)

// StreamSink mirrors bus events into KurrentDB, one stream per event type.
// Appends run behind a relay so publishers never wait on the store.
type StreamSink struct {
	client  *esdb.Client
	prefix  string
	timeout time.Duration
	relay   *Relay
	log     *logrus.Entry
}

// NewStreamSink connects to KurrentDB
func NewStreamSink(cfg config.KurrentDBConfig, log *logrus.Entry) (*StreamSink, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	s := &StreamSink{client: client, prefix: "crisis", timeout: 2 * time.Second, log: log}
	s.relay = NewRelay("kurrentdb-sink", defaultRelayQueue, s.Append, log)
	return s, nil
}

// buildConnectionString creates the esdb:// connection string
func buildConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := ""
	if cfg.Insecure {
		params = "?tls=false&tlsVerifyCert=false&keepAliveInterval=10000&keepAliveTimeout=10000"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// Client exposes the underlying client for repositories sharing the connection.
func (s *StreamSink) Client() *esdb.Client {
	return s.client
}

// Attach starts the relay and subscribes it to every event on the bus.
func (s *StreamSink) Attach(bus *Bus) func() {
	s.relay.Start()
	return s.relay.Attach(bus, "*")
}

// Append writes event to its type stream. It blocks for up to the sink
// timeout and is normally called from the relay worker.
func (s *StreamSink) Append(ctx context.Context, event Event) error {
	if event.Type == TypeBreathingPhaseUpdate {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err = s.client.AppendToStream(ctx, StreamName(s.prefix, event.Type), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// StreamName converts an event type to a stream-safe name:
// crisis_detected -> crisis-crisis-detected
func StreamName(prefix, eventType string) string {
	return prefix + "-" + strings.NewReplacer("_", "-", ".", "-").Replace(eventType)
}

// Health reads the system stream list to verify the connection
func (s *StreamSink) Health(ctx context.Context) error {
	stream, err := s.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("kurrentdb health check failed: %w", err)
	}
	stream.Close()
	return nil
}

// Close drains pending events and closes the KurrentDB connection
func (s *StreamSink) Close() {
	s.relay.Stop()
	if s.client != nil {
		s.client.Close()
	}
}
