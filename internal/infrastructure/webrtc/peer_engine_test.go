package webrtc

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
)

func TestPeerEngine_NegotiatesAndTogglesVideo(t *testing.T) {
	var applied []domain.MediaParameters
	factory := NewEngineFactory(EngineConfig{}, nil, func(p domain.MediaParameters) {
		applied = append(applied, p)
	}, zap.NewNop().Sugar())
	ctx := context.Background()

	callerEngine, err := factory.NewEngine(ctx, true)
	require.NoError(t, err)
	defer callerEngine.Close()
	calleeEngine, err := factory.NewEngine(ctx, true)
	require.NoError(t, err)
	defer calleeEngine.Close()

	offer, err := callerEngine.CreateOffer(ctx)
	require.NoError(t, err)
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))

	require.NoError(t, calleeEngine.SetRemoteDescription(ctx, offer))
	answer, err := calleeEngine.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, callerEngine.SetRemoteDescription(ctx, answer))

	caller := callerEngine.(*PeerEngine)
	audioOnly := domain.MediaParameters{Rung: 0, Profile: "audio", MaxAudioBitrateBps: 24000}
	require.NoError(t, caller.ApplyProfile(ctx, audioOnly))
	assert.Equal(t, audioOnly, caller.Parameters())
	require.Len(t, applied, 1)

	require.NoError(t, caller.WriteVideo(&rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0x10, 0x00}}))
	counters, err := caller.Counters(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters.PacketsSent, "video is dropped while disabled")

	require.NoError(t, caller.ApplyProfile(ctx, domain.MediaParameters{Rung: 3, Profile: "360p", VideoEnabled: true}))
	require.NoError(t, caller.WriteVideo(&rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0x10, 0x00}}))
	counters, err = caller.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counters.PacketsSent)
	assert.False(t, counters.Timestamp.IsZero())
}
