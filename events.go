package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SagaEvent is the outbound notification emitted after a record has been
// durably appended to the log. External consumers react to these to drive
// their own workflows.
type SagaEvent struct {
	SagaID    string    `json:"sagaId"`
	TypeName  string    `json:"typeName"`
	Event     EventType `json:"eventType"`
	StepName  string    `json:"stepName,omitempty"`
	State     SagaState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher emits saga events to an external channel. Publishing is
// best-effort: a failed publish never blocks or fails the saga itself.
type EventPublisher interface {
	Publish(ctx context.Context, event SagaEvent) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event SagaEvent) error { return nil }

// RedisPublisher emits saga events to a Redis Stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher creates a publisher writing to the given stream.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

// Publish appends the event to the stream as a JSON payload.
func (p *RedisPublisher) Publish(ctx context.Context, event SagaEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	return nil
}
