package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/safeshift/backend/internal/models"
)

const (
	TypeAlertCreated  = "alert.created"
	TypeAlertResolved = "alert.resolved"

	DefaultStream = "safeshift:alerts"
)

// Event is the payload written to the alert stream. Consumers decode the
// "data" field of each stream entry into it.
type Event struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	SubjectID  string       `json:"subject_id"`
	Alert      models.Alert `json:"alert"`
	OccurredAt time.Time    `json:"occurred_at"`
	// StreamID is the Redis entry id, set only on events read back from the
	// stream. Pass it as after to page forward.
	StreamID string `json:"stream_id,omitempty"`
}

func NewEvent(eventType string, a models.Alert, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		SubjectID:  a.SubjectID,
		Alert:      a,
		OccurredAt: at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event. Used when no Redis address is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// StreamPublisher appends events to a Redis stream with XADD.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":      e.Type,
			"data":      string(data),
			"timestamp": e.OccurredAt.Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Read returns up to count entries after the given stream id, or from the
// beginning when after is empty. It does not block.
func (p *StreamPublisher) Read(ctx context.Context, after string, count int64) ([]Event, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	msgs, err := p.client.XRangeN(ctx, p.stream, start, "+", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		e.StreamID = m.ID
		out = append(out, e)
	}
	return out, nil
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
