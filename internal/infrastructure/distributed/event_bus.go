package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "rillcall:events"

// envelope is the wire form of a call event on the bus.
type envelope struct {
	InstanceID string               `json:"instance_id"`
	Type       domain.CallEventType `json:"type"`
	CallID     domain.CallID        `json:"call_id"`
	CallerID   domain.UserID        `json:"caller_id"`
	CalleeID   domain.UserID        `json:"callee_id"`
	Status     domain.CallStatus    `json:"status,omitempty"`
	DurationMs int64                `json:"duration_ms,omitempty"`
	At         time.Time            `json:"at"`
}

func (e envelope) event() domain.CallEvent {
	return domain.CallEvent{
		Type:     e.Type,
		CallID:   e.CallID,
		CallerID: e.CallerID,
		CalleeID: e.CalleeID,
		Status:   e.Status,
		Duration: time.Duration(e.DurationMs) * time.Millisecond,
		At:       e.At,
	}
}

// EventBus publishes call lifecycle events over Redis pub/sub and delivers the
// events of other relay instances to subscribers.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultChannel,
		logger:     logger,
	}
}

func (eb *EventBus) PublishCallEvent(ctx context.Context, event domain.CallEvent) error {
	data, err := eb.encode(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published call event",
		"type", event.Type,
		"call_id", event.CallID,
	)
	return nil
}

func (eb *EventBus) encode(event domain.CallEvent) ([]byte, error) {
	return json.Marshal(envelope{
		InstanceID: eb.instanceID,
		Type:       event.Type,
		CallID:     event.CallID,
		CallerID:   event.CallerID,
		CalleeID:   event.CalleeID,
		Status:     event.Status,
		DurationMs: event.Duration.Milliseconds(),
		At:         event.At,
	})
}

// accept decodes a bus payload. Events published by this instance are skipped.
func (eb *EventBus) accept(payload string) (domain.CallEvent, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return domain.CallEvent{}, false
	}
	if env.InstanceID == eb.instanceID {
		return domain.CallEvent{}, false
	}
	return env.event(), true
}

// Subscribe blocks until ctx ends, handing every foreign event to handler.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.CallEvent) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, ok := eb.accept(msg.Payload)
			if !ok {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"call_id", event.CallID,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
