package distributed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
)

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestEventBus_EnvelopeCrossesInstances(t *testing.T) {
	client := unreachableClient()
	defer client.Close()

	local := NewEventBus(client, "relay-a", zap.NewNop().Sugar())
	remote := NewEventBus(client, "relay-b", zap.NewNop().Sugar())

	event := domain.CallEvent{
		Type:     domain.CallEventEnded,
		CallID:   "call-1",
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusCompleted,
		Duration: 42*time.Second + 500*time.Millisecond,
		At:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := local.encode(event)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "relay-a", wire["instance_id"])
	assert.Equal(t, "call.ended", wire["type"])
	assert.Equal(t, float64(42500), wire["duration_ms"])

	_, ok := local.accept(string(data))
	assert.False(t, ok, "own events are skipped")

	got, ok := remote.accept(string(data))
	require.True(t, ok)
	assert.Equal(t, event.CallID, got.CallID)
	assert.Equal(t, event.Status, got.Status)
	assert.Equal(t, event.Duration, got.Duration)
	assert.True(t, event.At.Equal(got.At))
}

func TestEventBus_AcceptDropsMalformedPayload(t *testing.T) {
	client := unreachableClient()
	defer client.Close()

	bus := NewEventBus(client, "relay-a", zap.NewNop().Sugar())
	_, ok := bus.accept("{not json")
	assert.False(t, ok)
}

func TestEventBus_PublishSurfacesRedisErrors(t *testing.T) {
	client := unreachableClient()
	defer client.Close()

	bus := NewEventBus(client, "relay-a", zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := bus.PublishCallEvent(ctx, domain.CallEvent{Type: domain.CallEventCreated, CallID: "call-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
	assert.NoError(t, bus.Close())
}
