package ports

import (
	"context"

	"rillcall/internal/core/domain"
	"rillcall/pkg/protocol"

	"github.com/pion/webrtc/v3"
)

// ProfileSink receives the media parameters of every applied rung.
type ProfileSink interface {
	ApplyProfile(ctx context.Context, params domain.MediaParameters) error
}

// MediaEngine is the per-call media transport. It owns encoding, ICE gathering and
// DTLS; the call engine only negotiates descriptions and reads counters.
type MediaEngine interface {
	ProfileSink
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	Counters(ctx context.Context) (domain.MediaCounters, error)
	Close() error
}

// MediaEngineFactory builds one engine per call.
type MediaEngineFactory interface {
	NewEngine(ctx context.Context, isVideo bool) (MediaEngine, error)
}

// SignalingTransport sends client messages to the relay.
type SignalingTransport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// PresenceDirectory answers presence queries on the relay.
type PresenceDirectory interface {
	IsOnline(userID domain.UserID) bool
	OnlineUsers() []domain.UserID
}

// CallDirectory lists the relay's active calls.
type CallDirectory interface {
	ActiveCalls() []domain.CallSession
}

// EventPublisher fans call lifecycle events out to other relay instances.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, event domain.CallEvent) error
}
