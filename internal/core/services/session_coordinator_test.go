package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/protocol"
)

type fakeEngine struct {
	mu           sync.Mutex
	calls        []string
	profiles     []domain.MediaParameters
	onLocal      func(webrtc.ICECandidateInit)
	closed       bool
	setRemoteErr error
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) ApplyProfile(_ context.Context, params domain.MediaParameters) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles = append(e.profiles, params)
	return nil
}

func (e *fakeEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	e.record("createOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	e.record("createAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	if e.setRemoteErr != nil {
		return e.setRemoteErr
	}
	e.record("setRemote:" + desc.Type.String())
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	e.record("add:" + c.Candidate)
	return nil
}

func (e *fakeEngine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLocal = fn
}

func (e *fakeEngine) Counters(context.Context) (domain.MediaCounters, error) {
	return domain.MediaCounters{Timestamp: time.Now()}, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type fakeFactory struct {
	engine *fakeEngine
	video  []bool
}

func (f *fakeFactory) NewEngine(_ context.Context, isVideo bool) (ports.MediaEngine, error) {
	f.video = append(f.video, isVideo)
	return f.engine, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (t *fakeTransport) Send(_ context.Context, msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Sent() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

func (t *fakeTransport) Last() protocol.Message {
	sent := t.Sent()
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

// lastSent returns the most recent message of type T, skipping asynchronous stats reports.
func lastSent[T protocol.Message](t *fakeTransport) (T, bool) {
	sent := t.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if m, ok := sent[i].(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}

type coordinatorFixture struct {
	coordinator *SessionCoordinator
	engine      *fakeEngine
	factory     *fakeFactory
	transport   *fakeTransport

	mu     sync.Mutex
	events []SessionEvent
	errs   []error
}

func newCoordinatorFixture(t *testing.T, user domain.UserID) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		engine:    &fakeEngine{},
		transport: &fakeTransport{},
	}
	f.factory = &fakeFactory{engine: f.engine}

	cfg := DefaultQualityConfig()
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.ReportTimeout = time.Second

	f.coordinator = NewSessionCoordinator(user, f.transport, f.factory, cfg, SessionListener{
		OnStateChange: func(ev SessionEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
		},
		OnConnectionError: func(err error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.errs = append(f.errs, err)
		},
	}, zap.NewNop().Sugar())
	return f
}

func (f *coordinatorFixture) states() []domain.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CallState
	for _, ev := range f.events {
		out = append(out, ev.To)
	}
	return out
}

func candidate(name string) *protocol.Candidate {
	mid := "0"
	return &protocol.Candidate{From: "bob", To: "alice", Candidate: webrtc.ICECandidateInit{Candidate: name, SDPMid: &mid}}
}

func TestSessionCoordinator_OutgoingCallLifecycle(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.coordinator.PlaceCall(ctx, "bob", true))
	assert.Equal(t, domain.CallStateCalling, f.coordinator.State())
	assert.Equal(t, []bool{true}, f.factory.video)

	offer, ok := f.transport.Last().(*protocol.Offer)
	require.True(t, ok)
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "bob", offer.To)
	assert.True(t, offer.IsVideoCall)
	assert.Empty(t, offer.CallID)

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.CallCreated{CallID: "call-1", From: "alice", To: "bob"}))
	assert.Equal(t, domain.CallID("call-1"), f.coordinator.CallID())

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Answer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-1"}))
	assert.Equal(t, domain.CallStateConnected, f.coordinator.State())

	require.NoError(t, f.coordinator.Hangup(ctx))
	hangup, ok := lastSent[*protocol.Hangup](f.transport)
	require.True(t, ok)
	assert.Equal(t, "call-1", hangup.CallID)

	assert.Equal(t, domain.CallStateEnded, f.coordinator.State())
	assert.True(t, f.engine.IsClosed())
	assert.Equal(t, []domain.CallState{domain.CallStateCalling, domain.CallStateConnected, domain.CallStateEnded}, f.states())
}

func TestSessionCoordinator_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()
	require.NoError(t, f.coordinator.PlaceCall(ctx, "bob", false))

	for _, name := range []string{"C1", "C2", "C3"} {
		require.NoError(t, f.coordinator.HandleMessage(ctx, candidate(name)))
	}
	assert.Equal(t, []string{"createOffer"}, f.engine.Calls())

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Answer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-1"}))
	require.NoError(t, f.coordinator.HandleMessage(ctx, candidate("C4")))

	assert.Equal(t, []string{"createOffer", "setRemote:answer", "add:C1", "add:C2", "add:C3", "add:C4"}, f.engine.Calls())
	require.NoError(t, f.coordinator.Hangup(ctx))
}

func TestSessionCoordinator_ConcurrentCandidatesAppliedOnce(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()
	require.NoError(t, f.coordinator.PlaceCall(ctx, "bob", false))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.coordinator.HandleMessage(ctx, candidate(fmt.Sprintf("C%d", i)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Answer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-1"}))

	calls := f.engine.Calls()
	require.Len(t, calls, n+2)
	assert.Equal(t, "setRemote:answer", calls[1])

	seen := make(map[string]bool)
	for _, c := range calls[2:] {
		assert.False(t, seen[c], "duplicate application of %s", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)
	require.NoError(t, f.coordinator.Hangup(ctx))
}

func TestSessionCoordinator_IncomingCallAccept(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Offer{From: "bob", To: "alice", SDP: "v=0", IsVideoCall: false, CallID: "call-9"}))
	assert.Equal(t, domain.CallStateRinging, f.coordinator.State())
	assert.Equal(t, domain.CallID("call-9"), f.coordinator.CallID())

	require.NoError(t, f.coordinator.HandleMessage(ctx, candidate("C1")))
	assert.Empty(t, f.engine.Calls())

	require.NoError(t, f.coordinator.AcceptIncoming(ctx))
	assert.Equal(t, domain.CallStateConnected, f.coordinator.State())
	assert.Equal(t, []string{"setRemote:offer", "add:C1", "createAnswer"}, f.engine.Calls())

	answer, ok := lastSent[*protocol.Answer](f.transport)
	require.True(t, ok)
	assert.Equal(t, "call-9", answer.CallID)
	assert.Equal(t, "bob", answer.To)

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Hangup{From: "bob", To: "alice", CallID: "call-9"}))
	assert.Equal(t, domain.CallStateEnded, f.coordinator.State())
}

func TestSessionCoordinator_RejectIncoming(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Offer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-2"}))
	require.NoError(t, f.coordinator.Reject(ctx))

	reject, ok := f.transport.Last().(*protocol.Reject)
	require.True(t, ok)
	assert.Equal(t, "call-2", reject.CallID)
	assert.Equal(t, domain.CallStateEnded, f.coordinator.State())
	assert.True(t, f.engine.IsClosed())
}

func TestSessionCoordinator_DropsMessagesThatDoNotFit(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	err := f.coordinator.HandleMessage(ctx, &protocol.Answer{From: "bob", To: "alice", SDP: "v=0", CallID: "x"})
	assert.ErrorIs(t, err, apperrors.SessionState)

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Offer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-3"}))

	err = f.coordinator.HandleMessage(ctx, &protocol.Offer{From: "carol", To: "alice", SDP: "v=0", CallID: "call-4"})
	assert.ErrorIs(t, err, apperrors.SessionState, "busy")

	err = f.coordinator.HandleMessage(ctx, &protocol.Hangup{From: "bob", To: "alice", CallID: "call-other"})
	assert.ErrorIs(t, err, apperrors.SessionState, "call id mismatch")

	assert.Equal(t, domain.CallStateRinging, f.coordinator.State())
	assert.Equal(t, domain.CallID("call-3"), f.coordinator.CallID())
}

func TestSessionCoordinator_HangupBeforeCallCreated(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.coordinator.PlaceCall(ctx, "bob", false))
	require.NoError(t, f.coordinator.Hangup(ctx))
	assert.Equal(t, domain.CallStateEnded, f.coordinator.State())
	assert.IsType(t, &protocol.Offer{}, f.transport.Last())

	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.CallCreated{CallID: "call-5", From: "alice", To: "bob"}))
	hangup, ok := f.transport.Last().(*protocol.Hangup)
	require.True(t, ok)
	assert.Equal(t, "call-5", hangup.CallID)
}

func TestSessionCoordinator_OfferSendFailureEndsCall(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	f.transport.err = errors.New("socket closed")

	err := f.coordinator.PlaceCall(context.Background(), "bob", false)
	assert.ErrorIs(t, err, apperrors.Transport)
	assert.Equal(t, domain.CallStateEnded, f.coordinator.State())
	assert.True(t, f.engine.IsClosed())
}

func TestSessionCoordinator_TransportErrorIsSurfaced(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	f.coordinator.HandleTransportError(errors.New("EOF"))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], apperrors.Transport)
}

func TestSessionCoordinator_EndingCallReportsStatsOnce(t *testing.T) {
	f := newCoordinatorFixture(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.coordinator.PlaceCall(ctx, "bob", true))
	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Answer{From: "bob", To: "alice", SDP: "v=0", CallID: "call-7"}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.coordinator.HandleMessage(ctx, &protocol.Hangup{From: "bob", To: "alice", CallID: "call-7"}))

	require.Eventually(t, func() bool {
		for _, m := range f.transport.Sent() {
			if _, ok := m.(*protocol.CallStats); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	count := 0
	var stats *protocol.CallStats
	for _, m := range f.transport.Sent() {
		if s, ok := m.(*protocol.CallStats); ok {
			count++
			stats = s
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "call-7", stats.CallID)
	assert.Equal(t, "alice", stats.Caller)
	assert.Equal(t, "bob", stats.Callee)
}
