package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/internal/infrastructure/repositories/memory"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/protocol"
	"rillcall/pkg/tracing"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type relayFixture struct {
	server *httptest.Server
	relay  *RelayServer
	ledger *services.CallLedger
	repo   *memory.MemoryCallRecordRepository
}

func newRelayFixture(t *testing.T, opts ...Option) *relayFixture {
	t.Helper()
	repo := memory.NewMemoryCallRecordRepository()
	logger := zap.NewNop().Sugar()
	ledger := services.NewCallLedger(repo, circuitbreaker.New(circuitbreaker.DefaultConfig()), logger)
	t.Cleanup(ledger.Close)
	relay := NewRelayServer(DefaultConfig(), ledger, logger, opts...)
	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(server.Close)
	return &relayFixture{server: server, relay: relay, ledger: ledger, repo: repo}
}

func (f *relayFixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *relayFixture) dial(t *testing.T) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (f *relayFixture) join(t *testing.T, userID string) *wsPeer {
	t.Helper()
	p := f.dial(t)
	p.send(&protocol.Join{UserID: userID})
	p.expectUserListWith(userID)
	return p
}

func (p *wsPeer) send(msg protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) read() (protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// expect reads until a message of type T arrives, skipping presence broadcasts.
func expect[T protocol.Message](p *wsPeer) T {
	p.t.Helper()
	for {
		msg, err := p.read()
		require.NoError(p.t, err)
		if m, ok := msg.(T); ok {
			return m
		}
		if _, ok := msg.(*protocol.UserList); !ok {
			p.t.Fatalf("unexpected %s while waiting", msg.Type())
		}
	}
}

func (p *wsPeer) expectUserListWith(userID string) *protocol.UserList {
	p.t.Helper()
	for {
		list := expect[*protocol.UserList](p)
		for _, u := range list.Users {
			if u == userID {
				return list
			}
		}
	}
}

func (f *relayFixture) outcome(t *testing.T, id string) *domain.CallRecord {
	t.Helper()
	var record *domain.CallRecord
	require.Eventually(t, func() bool {
		r, err := f.repo.GetOutcome(context.Background(), domain.CallID(id))
		record = r
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return record
}

func placeCall(t *testing.T, caller, callee *wsPeer, from, to string) string {
	t.Helper()
	caller.send(&protocol.Offer{From: from, To: to, SDP: testSDP, IsVideoCall: true})
	created := expect[*protocol.CallCreated](caller)
	offer := expect[*protocol.Offer](callee)
	assert.Equal(t, created.CallID, offer.CallID)
	assert.Equal(t, from, offer.From)
	assert.True(t, offer.IsVideoCall)
	return created.CallID
}

func TestRelay_RejoinReplacesConnection(t *testing.T) {
	f := newRelayFixture(t)
	first := f.join(t, "alice")
	f.join(t, "alice")

	for {
		_, err := first.read()
		if err != nil {
			break
		}
	}
	assert.Equal(t, []domain.UserID{"alice"}, f.relay.OnlineUsers())
	assert.Eventually(t, func() bool { return f.relay.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_PresenceQueries(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	f.join(t, "bob")

	alice.send(&protocol.GetUsers{})
	list := alice.expectUserListWith("bob")
	assert.Equal(t, []string{"alice", "bob"}, list.Users)

	alice.send(&protocol.CheckUser{UserID: "bob"})
	status := expect[*protocol.UserStatus](alice)
	assert.True(t, status.Online)

	alice.send(&protocol.CheckUser{UserID: "zoe"})
	status = expect[*protocol.UserStatus](alice)
	assert.False(t, status.Online)
}

func TestRelay_OfferThenHangupIsMissed(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	callID := placeCall(t, alice, bob, "alice", "bob")
	alice.send(&protocol.Hangup{From: "alice", To: "bob", CallID: callID})
	hangup := expect[*protocol.Hangup](bob)
	assert.Equal(t, callID, hangup.CallID)

	record := f.outcome(t, callID)
	assert.Equal(t, domain.CallStatusMissed, record.Status)
	assert.Zero(t, record.Duration)
	assert.Empty(t, f.ledger.ActiveCalls())
}

func TestRelay_AnsweredCallIsCompleted(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	callID := placeCall(t, alice, bob, "alice", "bob")
	bob.send(&protocol.Answer{From: "bob", To: "alice", SDP: testSDP, CallID: callID})
	expect[*protocol.Answer](alice)

	mid := "0"
	bob.send(&protocol.Candidate{
		From:      "bob",
		To:        "alice",
		CallID:    callID,
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid},
	})
	cand := expect[*protocol.Candidate](alice)
	assert.Equal(t, "candidate:1 1 udp 1 10.0.0.1 5000 typ host", cand.Candidate.Candidate)

	time.Sleep(60 * time.Millisecond)
	bob.send(&protocol.Hangup{From: "bob", To: "alice", CallID: callID})
	expect[*protocol.Hangup](alice)

	record := f.outcome(t, callID)
	assert.Equal(t, domain.CallStatusCompleted, record.Status)
	assert.GreaterOrEqual(t, record.Duration, 60*time.Millisecond)
	assert.Less(t, record.Duration, 2*time.Second)
}

func TestRelay_RejectIsRejected(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	callID := placeCall(t, alice, bob, "alice", "bob")
	bob.send(&protocol.Reject{From: "bob", To: "alice", CallID: callID})
	expect[*protocol.Reject](alice)

	record := f.outcome(t, callID)
	assert.Equal(t, domain.CallStatusRejected, record.Status)
	assert.Zero(t, record.Duration)
}

func TestRelay_DisconnectEndsCallsAsMissed(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	callID := placeCall(t, alice, bob, "alice", "bob")
	bob.send(&protocol.Answer{From: "bob", To: "alice", SDP: testSDP, CallID: callID})
	expect[*protocol.Answer](alice)

	require.NoError(t, bob.conn.Close())

	list := expect[*protocol.UserList](alice)
	for len(list.Users) != 1 {
		list = expect[*protocol.UserList](alice)
	}
	assert.Equal(t, []string{"alice"}, list.Users)

	record := f.outcome(t, callID)
	assert.Equal(t, domain.CallStatusMissed, record.Status)
	assert.Zero(t, record.Duration)
}

func TestRelay_OfflineCalleeDropsOffer(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")

	alice.send(&protocol.Offer{From: "alice", To: "ghost", SDP: testSDP})
	created := expect[*protocol.CallCreated](alice)
	_, ok := f.ledger.Get(domain.CallID(created.CallID))
	assert.True(t, ok)
}

func TestRelay_RejectsInvalidSenders(t *testing.T) {
	f := newRelayFixture(t)

	anon := f.dial(t)
	anon.send(&protocol.Offer{From: "alice", To: "bob", SDP: testSDP})
	errMsg := expect[*protocol.Error](anon)
	assert.Contains(t, errMsg.Message, "before join")

	alice := f.join(t, "alice")
	f.join(t, "bob")
	alice.send(&protocol.Offer{From: "mallory", To: "bob", SDP: testSDP})
	errMsg = expect[*protocol.Error](alice)
	assert.Contains(t, errMsg.Message, "does not match")

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","from":"alice"}`)))
	expect[*protocol.Error](alice)
	assert.Empty(t, f.ledger.ActiveCalls())
}

func statsReport(callID, caller, callee string, samples int) *protocol.CallStats {
	return &protocol.CallStats{
		CallID:       callID,
		Caller:       caller,
		Callee:       callee,
		Duration:     12,
		TotalSamples: samples,
		AvgRTTMs:     40,
		Samples:      []protocol.StatsSample{{Timestamp: 1_700_000_000_000, Quality: "good"}},
	}
}

func TestRelay_CallStatsFromBothParties(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	mallory := f.join(t, "mallory")

	callID := placeCall(t, alice, bob, "alice", "bob")
	bob.send(&protocol.Answer{From: "bob", To: "alice", SDP: testSDP, CallID: callID})
	expect[*protocol.Answer](alice)
	bob.send(&protocol.Hangup{From: "bob", To: "alice", CallID: callID})
	expect[*protocol.Hangup](alice)

	// Both monitors report after the call has ended.
	alice.send(statsReport(callID, "alice", "bob", 7))
	bob.send(statsReport(callID, "alice", "bob", 3))

	var stats []*domain.CallStats
	require.Eventually(t, func() bool {
		got, err := f.repo.GetStats(context.Background(), domain.CallID(callID))
		stats = got
		return err == nil && len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.UserID("alice"), stats[0].ReportedBy)
	assert.Equal(t, 7, stats[0].TotalSamples)
	assert.Equal(t, domain.UserID("bob"), stats[1].ReportedBy)
	assert.Equal(t, 3, stats[1].TotalSamples)

	mallory.send(statsReport(callID, "alice", "mallory", 1))
	errMsg := expect[*protocol.Error](mallory)
	assert.Contains(t, errMsg.Message, "not a party")

	mallory.send(statsReport("c-unknown", "mallory", "bob", 1))
	errMsg = expect[*protocol.Error](mallory)
	assert.Contains(t, errMsg.Message, "unknown call")

	stats, err := f.repo.GetStats(context.Background(), domain.CallID(callID))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 7, stats[0].TotalSamples)
	_, err = f.repo.GetStats(context.Background(), "c-unknown")
	assert.ErrorIs(t, err, domain.ErrCallStatsNotFound)
}

func TestRelay_RoutesToCallPeerNotClaimedRecipient(t *testing.T) {
	f := newRelayFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	carol := f.join(t, "carol")

	callID := placeCall(t, alice, bob, "alice", "bob")
	bob.send(&protocol.Answer{From: "bob", To: "carol", SDP: testSDP, CallID: callID})
	answer := expect[*protocol.Answer](alice)
	assert.Equal(t, "alice", answer.To)

	carol.send(&protocol.Hangup{From: "carol", To: "alice", CallID: callID})
	expect[*protocol.Error](carol)
	_, ok := f.ledger.Get(domain.CallID(callID))
	assert.True(t, ok)

	bob.send(&protocol.Hangup{From: "bob", To: "carol", CallID: callID})
	hangup := expect[*protocol.Hangup](alice)
	assert.Equal(t, callID, hangup.CallID)
	assert.Equal(t, "alice", hangup.To)
	assert.Equal(t, domain.CallStatusCompleted, f.outcome(t, callID).Status)

	// A repeated end for the closed call still reaches the peer, not the claimed recipient.
	bob.send(&protocol.Hangup{From: "bob", To: "carol", CallID: callID})
	expect[*protocol.Hangup](alice)

	carol.send(&protocol.CheckUser{UserID: "alice"})
	status := expect[*protocol.UserStatus](carol)
	assert.True(t, status.Online)
}

func TestRelay_ConcurrentJoinsSeeEveryone(t *testing.T) {
	f := newRelayFixture(t)

	const users = 8
	peers := make([]*wsPeer, users)
	for i := range peers {
		peers[i] = f.dial(t)
	}

	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p *wsPeer) {
			defer wg.Done()
			data, err := protocol.Encode(&protocol.Join{UserID: fmt.Sprintf("user-%d", i)})
			if err == nil {
				err = p.conn.WriteMessage(websocket.TextMessage, data)
			}
			assert.NoError(t, err)
		}(i, p)
	}
	wg.Wait()

	for _, p := range peers {
		for {
			list := expect[*protocol.UserList](p)
			if len(list.Users) == users {
				break
			}
		}
	}
	assert.Len(t, f.relay.OnlineUsers(), users)
}

func TestRelay_SpanCarriesMessageType(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newRelayFixture(t, WithTracer(provider.Tracer("test")))
	alice := f.join(t, "alice")
	alice.send(&protocol.CheckUser{UserID: "bob"})
	expect[*protocol.UserStatus](alice)

	var attrs map[attribute.Key]string
	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() != "relay.checkUser" {
				continue
			}
			attrs = map[attribute.Key]string{}
			for _, kv := range span.Attributes() {
				attrs[kv.Key] = kv.Value.Emit()
			}
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "checkUser", attrs[tracing.MessageTypeKey])
	assert.Equal(t, "alice", attrs[tracing.UserIDKey])
}

func TestRelay_AuthRequiresMatchingToken(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, "")
	f := newRelayFixture(t, WithAuth(auth))

	_, resp, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	p := &wsPeer{t: t, conn: conn}

	p.send(&protocol.Join{UserID: "bob"})
	expect[*protocol.Error](p)
	assert.False(t, f.relay.IsOnline("bob"))

	p.send(&protocol.Join{UserID: "alice"})
	p.expectUserListWith("alice")
}
