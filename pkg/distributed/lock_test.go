package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_HoldersAreDistinct(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	a := NewLock(client, "rillcall:lock:test", time.Second)
	b := NewLock(client, "rillcall:lock:test", time.Second)
	assert.NotEqual(t, a.value, b.value)
}

func TestLock_AcquireSurfacesConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	lock := NewLock(client, "rillcall:lock:test", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := lock.Acquire(ctx, time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockTimeout))
	assert.Contains(t, err.Error(), "rillcall:lock:test")

	err = lock.Release(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotHeld))
}
