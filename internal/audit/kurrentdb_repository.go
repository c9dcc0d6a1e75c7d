package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/carecircle/crisis/internal/shared/errors"
)

const (
	// StreamName is the stream holding every intervention log entry
	StreamName = "crisis-audit"
	// EntryEventType is the KurrentDB event type for entries
	EntryEventType = "InterventionEntry"

	maxStreamRead = 10000
)

// KurrentDBRepository keeps the chain in a KurrentDB stream. The stream
// is append-only, so entries cannot be modified once written.
type KurrentDBRepository struct {
	chainState
	client *esdb.Client
}

// NewKurrentDBRepository creates a KurrentDB-backed log
func NewKurrentDBRepository(client *esdb.Client) *KurrentDBRepository {
	return &KurrentDBRepository{client: client}
}

func isStreamNotFound(err error) bool {
	var esdbErr *esdb.Error
	if errors.As(err, &esdbErr) {
		return esdbErr.Code() == esdb.ErrorCodeResourceNotFound
	}
	return false
}

// Initialize loads the chain head from the last event in the stream
func (r *KurrentDBRepository) Initialize(ctx context.Context) error {
	stream, err := r.client.ReadStream(ctx, StreamName, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		if isStreamNotFound(err) {
			r.reset(0, "")
			return nil
		}
		return errors.Wrap(err, "failed to read intervention log stream")
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		if isStreamNotFound(err) || err == io.EOF {
			r.reset(0, "")
			return nil
		}
		return errors.Wrap(err, "failed to read last intervention log entry")
	}

	entry, ok := decodeEntry(event)
	if !ok {
		return errors.Internal(fmt.Errorf("event %s is not an intervention entry", event.OriginalEvent().EventID))
	}
	r.reset(entry.Sequence, entry.Hash)
	return nil
}

func (r *KurrentDBRepository) Append(ctx context.Context, entry *Entry) error {
	return r.append(entry, func(e *Entry) error {
		data, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "failed to marshal intervention log entry")
		}

		eventID, err := uuid.Parse(e.ID)
		if err != nil {
			eventID = uuid.New()
		}

		// The expected revision pins the chain: a second writer racing on the
		// same stream fails instead of forking it.
		var expected esdb.ExpectedRevision = esdb.NoStream{}
		if e.Sequence > 1 {
			expected = esdb.Revision(uint64(e.Sequence - 2))
		}

		_, err = r.client.AppendToStream(ctx, StreamName, esdb.AppendToStreamOptions{
			ExpectedRevision: expected,
		}, esdb.EventData{
			EventID:     eventID,
			EventType:   EntryEventType,
			ContentType: esdb.ContentTypeJson,
			Data:        data,
			Metadata:    []byte(fmt.Sprintf(`{"sequence":%d,"hash":%q}`, e.Sequence, e.Hash)),
		})
		if err != nil {
			return errors.Wrap(err, "failed to append intervention log entry")
		}
		return nil
	})
}

func (r *KurrentDBRepository) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	entries, err := r.read(ctx, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, maxStreamRead)
	if err != nil {
		return nil, 0, err
	}

	var matched []*Entry
	for _, e := range entries {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	return paginate(matched, filter), len(matched), nil
}

func (r *KurrentDBRepository) Chain(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = maxStreamRead
	}
	// Sequence n lives at stream revision n-1.
	return r.read(ctx, esdb.ReadStreamOptions{
		Direction: esdb.Forwards,
		From:      esdb.Revision(uint64(fromSeq - 1)),
	}, uint64(limit))
}

func (r *KurrentDBRepository) read(ctx context.Context, opts esdb.ReadStreamOptions, count uint64) ([]*Entry, error) {
	stream, err := r.client.ReadStream(ctx, StreamName, opts, count)
	if err != nil {
		if isStreamNotFound(err) {
			return []*Entry{}, nil
		}
		return nil, errors.Wrap(err, "failed to read intervention log stream")
	}
	defer stream.Close()

	var entries []*Entry
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isStreamNotFound(err) {
				break
			}
			return nil, errors.Wrap(err, "failed to read intervention log event")
		}
		if entry, ok := decodeEntry(event); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func decodeEntry(event *esdb.ResolvedEvent) (*Entry, bool) {
	if event == nil || event.Event == nil || event.Event.EventType != EntryEventType {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(event.Event.Data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}
