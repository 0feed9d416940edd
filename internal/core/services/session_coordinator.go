package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/protocol"
)

const (
	eventPlaceCall     = "place_call"
	eventIncomingOffer = "incoming_offer"
	eventAccept        = "accept"
	eventRemoteAnswer  = "remote_answer"
	eventEnd           = "end"
)

// SessionEvent describes one call state transition.
type SessionEvent struct {
	CallID  domain.CallID
	PeerID  domain.UserID
	IsVideo bool
	From    domain.CallState
	To      domain.CallState
	Reason  string
}

// SessionListener receives coordinator notifications. Nil callbacks are skipped. Callbacks
// run without the coordinator lock held and may call back into the coordinator.
type SessionListener struct {
	OnStateChange     func(SessionEvent)
	OnConnectionError func(error)
	OnProfileChange   func(domain.ProfileChange)
}

func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(domain.CallStateIdle),
		fsm.Events{
			{Name: eventPlaceCall, Src: []string{string(domain.CallStateIdle)}, Dst: string(domain.CallStateCalling)},
			{Name: eventIncomingOffer, Src: []string{string(domain.CallStateIdle)}, Dst: string(domain.CallStateRinging)},
			{Name: eventAccept, Src: []string{string(domain.CallStateRinging)}, Dst: string(domain.CallStateConnected)},
			{Name: eventRemoteAnswer, Src: []string{string(domain.CallStateCalling)}, Dst: string(domain.CallStateConnected)},
			{Name: eventEnd, Src: []string{
				string(domain.CallStateCalling),
				string(domain.CallStateRinging),
				string(domain.CallStateConnected),
			}, Dst: string(domain.CallStateEnded)},
		},
		fsm.Callbacks{},
	)
}

// callSession is the client side of one call. Guarded by SessionCoordinator.mu.
type callSession struct {
	machine  *fsm.FSM
	id       domain.CallID
	callerID domain.UserID
	calleeID domain.UserID
	peer     domain.UserID
	isVideo  bool
	engine   ports.MediaEngine

	remoteOffer   *webrtc.SessionDescription
	remoteApplied bool
	pending       []webrtc.ICECandidateInit

	// Set when the caller hangs up before the relay told it the call id.
	hangupOnCreate bool

	monitor       *QualityMonitor
	cancelMonitor context.CancelFunc
}

func (cs *callSession) state() domain.CallState {
	return domain.CallState(cs.machine.Current())
}

func (cs *callSession) info() CallInfo {
	return CallInfo{ID: cs.id, CallerID: cs.callerID, CalleeID: cs.calleeID, IsVideo: cs.isVideo}
}

// SessionCoordinator is the client signaling state machine for one registered user. It holds
// at most one call at a time. All inbound messages and local actions are serialized on mu,
// including media engine calls, so buffered ICE candidates can never be reordered.
type SessionCoordinator struct {
	mu        sync.Mutex
	userID    domain.UserID
	transport ports.SignalingTransport
	engines   ports.MediaEngineFactory
	quality   QualityConfig
	listener  SessionListener
	logger    *zap.SugaredLogger

	call *callSession
}

func NewSessionCoordinator(
	userID domain.UserID,
	transport ports.SignalingTransport,
	engines ports.MediaEngineFactory,
	quality QualityConfig,
	listener SessionListener,
	logger *zap.SugaredLogger,
) *SessionCoordinator {
	return &SessionCoordinator{
		userID:    userID,
		transport: transport,
		engines:   engines,
		quality:   quality,
		listener:  listener,
		logger:    logger.With("user_id", userID),
	}
}

// State is the current call state, idle when no call was ever placed.
func (c *SessionCoordinator) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return domain.CallStateIdle
	}
	return c.call.state()
}

// CallID is the relay-assigned id of the current call, empty until adopted.
func (c *SessionCoordinator) CallID() domain.CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return ""
	}
	return c.call.id
}

func (c *SessionCoordinator) busy() bool {
	return c.call != nil && c.call.state() != domain.CallStateEnded
}

// PlaceCall creates an engine, sends an offer and moves to CALLING.
func (c *SessionCoordinator) PlaceCall(ctx context.Context, peer domain.UserID, isVideo bool) error {
	c.mu.Lock()
	var notes []func()
	defer func() {
		c.mu.Unlock()
		c.dispatch(notes)
	}()

	if c.busy() {
		return apperrors.NewSessionStateError("a call is already in progress").
			WithContext("state", string(c.call.state()))
	}

	engine, err := c.engines.NewEngine(ctx, isVideo)
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}
	cs := &callSession{
		machine:  newCallFSM(),
		callerID: c.userID,
		calleeID: peer,
		peer:     peer,
		isVideo:  isVideo,
		engine:   engine,
	}

	engine.OnLocalCandidate(c.localCandidateHandler(cs))
	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		engine.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	c.call = cs
	notes = append(notes, c.transition(ctx, cs, eventPlaceCall, "local offer"))

	err = c.transport.Send(ctx, &protocol.Offer{
		From:        string(c.userID),
		To:          string(peer),
		SDP:         offer.SDP,
		IsVideoCall: isVideo,
	})
	if err != nil {
		notes = append(notes, c.end(ctx, cs, "offer not delivered"))
		return apperrors.NewTransportError("failed to send offer", err)
	}
	return nil
}

// AcceptIncoming applies the remote offer, answers it and moves to CONNECTED.
func (c *SessionCoordinator) AcceptIncoming(ctx context.Context) error {
	c.mu.Lock()
	var notes []func()
	defer func() {
		c.mu.Unlock()
		c.dispatch(notes)
	}()

	cs := c.call
	if cs == nil || cs.state() != domain.CallStateRinging || cs.remoteOffer == nil {
		return apperrors.NewSessionStateError("no incoming call to accept")
	}

	if err := c.applyRemoteDescription(ctx, cs, *cs.remoteOffer); err != nil {
		notes = append(notes, c.end(ctx, cs, "remote offer rejected by engine"))
		return err
	}
	answer, err := cs.engine.CreateAnswer(ctx)
	if err != nil {
		notes = append(notes, c.end(ctx, cs, "answer failed"))
		return fmt.Errorf("failed to create answer: %w", err)
	}

	err = c.transport.Send(ctx, &protocol.Answer{
		From:   string(c.userID),
		To:     string(cs.peer),
		SDP:    answer.SDP,
		CallID: string(cs.id),
	})
	if err != nil {
		return apperrors.NewTransportError("failed to send answer", err)
	}

	notes = append(notes, c.transition(ctx, cs, eventAccept, "accepted"))
	c.startMonitor(cs)
	return nil
}

// Reject declines a ringing call.
func (c *SessionCoordinator) Reject(ctx context.Context) error {
	c.mu.Lock()
	var notes []func()
	defer func() {
		c.mu.Unlock()
		c.dispatch(notes)
	}()

	cs := c.call
	if cs == nil || cs.state() != domain.CallStateRinging {
		return apperrors.NewSessionStateError("no incoming call to reject")
	}
	err := c.transport.Send(ctx, &protocol.Reject{From: string(c.userID), To: string(cs.peer), CallID: string(cs.id)})
	notes = append(notes, c.end(ctx, cs, "rejected locally"))
	if err != nil {
		return apperrors.NewTransportError("failed to send reject", err)
	}
	return nil
}

// Hangup ends the current call from any non-terminal state.
func (c *SessionCoordinator) Hangup(ctx context.Context) error {
	c.mu.Lock()
	var notes []func()
	defer func() {
		c.mu.Unlock()
		c.dispatch(notes)
	}()

	cs := c.call
	if cs == nil || cs.state() == domain.CallStateEnded {
		return apperrors.NewSessionStateError("no call to hang up")
	}
	if cs.id == "" {
		cs.hangupOnCreate = true
		notes = append(notes, c.end(ctx, cs, "hung up locally"))
		return nil
	}

	// Send before ending so the hangup reaches the relay ahead of the stats report.
	err := c.transport.Send(ctx, &protocol.Hangup{From: string(c.userID), To: string(cs.peer), CallID: string(cs.id)})
	notes = append(notes, c.end(ctx, cs, "hung up locally"))
	if err != nil {
		return apperrors.NewTransportError("failed to send hangup", err)
	}
	return nil
}

// SetConservativePin forwards the override to the running quality monitor, if any.
func (c *SessionCoordinator) SetConservativePin(ctx context.Context, enabled bool) error {
	controller, err := c.controller()
	if err != nil {
		return err
	}
	controller.SetConservativePin(ctx, enabled)
	return nil
}

// SetAudioOnly forwards the override to the running quality monitor, if any.
func (c *SessionCoordinator) SetAudioOnly(ctx context.Context, enabled bool) error {
	controller, err := c.controller()
	if err != nil {
		return err
	}
	controller.SetAudioOnly(ctx, enabled)
	return nil
}

func (c *SessionCoordinator) controller() (*ProfileController, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.call.monitor == nil || c.call.state() != domain.CallStateConnected {
		return nil, apperrors.NewSessionStateError("no connected call")
	}
	return c.call.monitor.Controller(), nil
}

// HandleMessage dispatches one decoded relay message. Messages that do not fit the current
// call are dropped and logged; the returned error is informational.
func (c *SessionCoordinator) HandleMessage(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	var notes []func()
	var err error

	switch m := msg.(type) {
	case *protocol.Offer:
		notes, err = c.onOffer(ctx, m)
	case *protocol.CallCreated:
		err = c.onCallCreated(ctx, m)
	case *protocol.Answer:
		notes, err = c.onAnswer(ctx, m)
	case *protocol.Candidate:
		err = c.onCandidate(ctx, m)
	case *protocol.Reject:
		notes, err = c.onRemoteEnd(ctx, m.From, m.CallID, "rejected by peer")
	case *protocol.Hangup:
		notes, err = c.onRemoteEnd(ctx, m.From, m.CallID, "hung up by peer")
	case *protocol.Error:
		c.logger.Warnw("relay reported error", "message", m.Message)
	default:
		// presence traffic is consumed by the transport
	}
	c.mu.Unlock()
	c.dispatch(notes)

	if err != nil {
		c.logger.Warnw("dropping signaling message", "type", msg.Type(), "error", err)
	}
	return err
}

// HandleTransportError surfaces a lost relay connection. Nothing is retried; the call keeps
// its state so the media path can continue.
func (c *SessionCoordinator) HandleTransportError(err error) {
	c.logger.Errorw("signaling connection lost", "error", err)
	if c.listener.OnConnectionError != nil {
		c.listener.OnConnectionError(apperrors.NewTransportError("signaling connection lost", err))
	}
}

func (c *SessionCoordinator) onOffer(ctx context.Context, m *protocol.Offer) ([]func(), error) {
	if c.busy() {
		return nil, apperrors.NewSessionStateError("busy, offer ignored").
			WithContext("from", m.From).
			WithContext("call_id", m.CallID)
	}
	if m.CallID == "" {
		return nil, apperrors.NewProtocolError("offer without call id", nil)
	}

	engine, err := c.engines.NewEngine(ctx, m.IsVideoCall)
	if err != nil {
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}
	cs := &callSession{
		machine:     newCallFSM(),
		id:          domain.CallID(m.CallID),
		callerID:    domain.UserID(m.From),
		calleeID:    c.userID,
		peer:        domain.UserID(m.From),
		isVideo:     m.IsVideoCall,
		engine:      engine,
		remoteOffer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP},
	}
	engine.OnLocalCandidate(c.localCandidateHandler(cs))
	c.call = cs
	return []func(){c.transition(ctx, cs, eventIncomingOffer, "incoming offer")}, nil
}

func (c *SessionCoordinator) onCallCreated(ctx context.Context, m *protocol.CallCreated) error {
	cs := c.call
	if cs == nil || cs.callerID != c.userID || cs.peer != domain.UserID(m.To) {
		return apperrors.NewSessionStateError("callCreated for unknown call").WithContext("call_id", m.CallID)
	}
	if cs.id != "" {
		if cs.id != domain.CallID(m.CallID) {
			return apperrors.NewSessionStateError(domain.ErrCallIDMismatch.Error()).WithContext("call_id", m.CallID)
		}
		return nil
	}
	cs.id = domain.CallID(m.CallID)
	c.logger.Debugw("adopted call id", "call_id", cs.id)

	if cs.hangupOnCreate {
		cs.hangupOnCreate = false
		err := c.transport.Send(ctx, &protocol.Hangup{From: string(c.userID), To: string(cs.peer), CallID: m.CallID})
		if err != nil {
			return apperrors.NewTransportError("failed to send deferred hangup", err)
		}
	}
	return nil
}

func (c *SessionCoordinator) onAnswer(ctx context.Context, m *protocol.Answer) ([]func(), error) {
	cs := c.call
	if cs == nil || cs.state() != domain.CallStateCalling {
		return nil, apperrors.NewSessionStateError("answer without pending offer").WithContext("call_id", m.CallID)
	}
	if cs.peer != domain.UserID(m.From) {
		return nil, apperrors.NewSessionStateError("answer from unexpected peer").WithContext("from", m.From)
	}
	if err := c.adopt(cs, m.CallID); err != nil {
		return nil, err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}
	if err := c.applyRemoteDescription(ctx, cs, desc); err != nil {
		return []func(){c.end(ctx, cs, "remote answer rejected by engine")}, err
	}

	notes := []func(){c.transition(ctx, cs, eventRemoteAnswer, "answered")}
	c.startMonitor(cs)
	return notes, nil
}

func (c *SessionCoordinator) onCandidate(ctx context.Context, m *protocol.Candidate) error {
	cs := c.call
	if cs == nil || cs.state() == domain.CallStateEnded {
		return apperrors.NewSessionStateError("candidate without active call").WithContext("from", m.From)
	}
	if cs.peer != domain.UserID(m.From) {
		return apperrors.NewSessionStateError("candidate from unexpected peer").WithContext("from", m.From)
	}
	if m.CallID != "" && cs.id != "" && cs.id != domain.CallID(m.CallID) {
		return apperrors.NewSessionStateError(domain.ErrCallIDMismatch.Error()).WithContext("call_id", m.CallID)
	}

	if !cs.remoteApplied {
		cs.pending = append(cs.pending, m.Candidate)
		return nil
	}
	if err := cs.engine.AddICECandidate(ctx, m.Candidate); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (c *SessionCoordinator) onRemoteEnd(ctx context.Context, from, callID, reason string) ([]func(), error) {
	cs := c.call
	if cs == nil || cs.state() == domain.CallStateEnded {
		return nil, apperrors.NewSessionStateError("end for unknown call").WithContext("call_id", callID)
	}
	if cs.peer != domain.UserID(from) {
		return nil, apperrors.NewSessionStateError("end from unexpected peer").WithContext("from", from)
	}
	if err := c.adopt(cs, callID); err != nil {
		return nil, err
	}
	return []func(){c.end(ctx, cs, reason)}, nil
}

// adopt takes the relay's call id the first time one is seen and rejects any other later.
func (c *SessionCoordinator) adopt(cs *callSession, callID string) error {
	if callID == "" {
		return nil
	}
	if cs.id == "" {
		cs.id = domain.CallID(callID)
		return nil
	}
	if cs.id != domain.CallID(callID) {
		return apperrors.NewSessionStateError(domain.ErrCallIDMismatch.Error()).
			WithContext("call_id", callID).
			WithContext("expected", string(cs.id))
	}
	return nil
}

// applyRemoteDescription hands the description to the engine and, on success, drains the
// candidates buffered so far in arrival order.
func (c *SessionCoordinator) applyRemoteDescription(ctx context.Context, cs *callSession, desc webrtc.SessionDescription) error {
	if err := cs.engine.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	cs.remoteApplied = true

	pending := cs.pending
	cs.pending = nil
	for _, candidate := range pending {
		if err := cs.engine.AddICECandidate(ctx, candidate); err != nil {
			c.logger.Warnw("buffered candidate rejected", "call_id", cs.id, "error", err)
		}
	}
	if len(pending) > 0 {
		c.logger.Debugw("drained buffered candidates", "call_id", cs.id, "count", len(pending))
	}
	return nil
}

func (c *SessionCoordinator) startMonitor(cs *callSession) {
	monitor := NewQualityMonitor(cs.info(), c.quality, cs.engine, c.transport, c.listener.OnProfileChange, c.logger)
	ctx, cancel := context.WithCancel(context.Background())
	cs.monitor = monitor
	cs.cancelMonitor = cancel
	go monitor.Run(ctx)
}

// end moves the session to ENDED, cancels its monitor and releases the engine.
func (c *SessionCoordinator) end(ctx context.Context, cs *callSession, reason string) func() {
	note := c.transition(ctx, cs, eventEnd, reason)
	if cs.cancelMonitor != nil {
		cs.cancelMonitor()
		cs.cancelMonitor = nil
	}
	cs.pending = nil
	if err := cs.engine.Close(); err != nil {
		c.logger.Warnw("failed to close media engine", "call_id", cs.id, "error", err)
	}
	return note
}

// transition fires an fsm event and returns the listener notification to run after unlock.
func (c *SessionCoordinator) transition(ctx context.Context, cs *callSession, event, reason string) func() {
	from := cs.state()
	if err := cs.machine.Event(ctx, event); err != nil {
		c.logger.Errorw("invalid call transition", "event", event, "state", from, "error", err)
		return func() {}
	}
	ev := SessionEvent{
		CallID:  cs.id,
		PeerID:  cs.peer,
		IsVideo: cs.isVideo,
		From:    from,
		To:      cs.state(),
		Reason:  reason,
	}
	c.logger.Infow("call state changed",
		"call_id", ev.CallID,
		"peer", ev.PeerID,
		"from", ev.From,
		"to", ev.To,
		"reason", reason,
	)
	return func() {
		if c.listener.OnStateChange != nil {
			c.listener.OnStateChange(ev)
		}
	}
}

func (c *SessionCoordinator) dispatch(notes []func()) {
	for _, note := range notes {
		note()
	}
}

func (c *SessionCoordinator) localCandidateHandler(cs *callSession) func(webrtc.ICECandidateInit) {
	return func(candidate webrtc.ICECandidateInit) {
		c.mu.Lock()
		if c.call != cs || cs.state() == domain.CallStateEnded {
			c.mu.Unlock()
			return
		}
		msg := &protocol.Candidate{
			From:      string(c.userID),
			To:        string(cs.peer),
			Candidate: candidate,
			CallID:    string(cs.id),
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.Send(ctx, msg); err != nil {
			c.logger.Warnw("failed to send local candidate", "call_id", msg.CallID, "error", err)
		}
	}
}
