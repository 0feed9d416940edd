package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_For(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithCallID(WithUserID(context.Background(), "alice"), "c-1")
	cl.For(ctx).Infow("ringing", "peer", "bob")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "alice", fields["user_id"])
		assert.Equal(t, "c-1", fields["call_id"])
		assert.Equal(t, "bob", fields["peer"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "r-9", RequestID(WithRequestID(context.Background(), "r-9")))
}

func TestNew_LevelAndFallback(t *testing.T) {
	assert.True(t, New("debug", "json").Core().Enabled(zap.DebugLevel))
	assert.False(t, New("bogus", "console").Core().Enabled(zap.DebugLevel))
	assert.True(t, New("bogus", "console").Core().Enabled(zap.InfoLevel))
}
