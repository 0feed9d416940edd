package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/protocol"
	"rillcall/pkg/tracing"
)

// Metrics receives relay counters. The Prometheus collector implements it.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(msgType string, d time.Duration)
	MessageDropped(reason string)
	PresenceChanged(online int)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                    {}
func (noopMetrics) ConnectionClosed()                    {}
func (noopMetrics) MessageHandled(string, time.Duration) {}
func (noopMetrics) MessageDropped(string)                {}
func (noopMetrics) PresenceChanged(int)                  {}

type Config struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MessageRate    float64 // messages per second per connection, 0 disables limiting
	MessageBurst   int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		MessageRate:  50,
		MessageBurst: 100,
	}
}

// RelayServer routes signaling messages between registered users and derives call outcomes.
// Presence is guarded by mu; calls live in the ledger. Neither lock is held across writes.
type RelayServer struct {
	cfg      Config
	ledger   *services.CallLedger
	auth     services.TokenValidator
	metrics  Metrics
	tracer   trace.Tracer
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	presence map[domain.UserID]*client
	conns    map[*client]struct{}

	now func() time.Time
}

type Option func(*RelayServer)

// WithAuth requires every connection to carry a token whose user id matches its join.
func WithAuth(v services.TokenValidator) Option {
	return func(s *RelayServer) { s.auth = v }
}

func WithMetrics(m Metrics) Option {
	return func(s *RelayServer) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *RelayServer) { s.tracer = t }
}

func NewRelayServer(cfg Config, ledger *services.CallLedger, logger *zap.SugaredLogger, opts ...Option) *RelayServer {
	s := &RelayServer{
		cfg:      cfg,
		ledger:   ledger,
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("rillcall/signal"),
		logger:   logger,
		presence: make(map[domain.UserID]*client),
		conns:    make(map[*client]struct{}),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// client is one websocket connection. userID is written by the connection's handler goroutine
// under RelayServer.mu; other goroutines read it only under that lock.
type client struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	writeWait  time.Duration
	limiter    *rate.Limiter
	remoteAddr string

	userID    domain.UserID
	tokenUser domain.UserID

	closeOnce sync.Once
}

func (c *client) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.NewTransportError("write message", err)
	}
	return nil
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var tokenUser domain.UserID
	if s.auth != nil {
		claims, err := s.auth.ValidateToken(bearerToken(r))
		if err != nil {
			s.logger.Warnw("Rejected websocket without valid token", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tokenUser = claims.UserID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	c := &client{
		conn:       conn,
		writeWait:  s.cfg.WriteTimeout,
		remoteAddr: r.RemoteAddr,
		tokenUser:  tokenUser,
	}
	if s.cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.logger.Infow("Connection opened", "remote_addr", c.remoteAddr)

	s.serve(c)
	s.disconnect(c)
}

// serve reads on a separate goroutine and handles messages strictly in arrival order.
func (s *RelayServer) serve(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			select {
			case messages <- data:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-messages:
			s.handleFrame(c, data)

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				s.logger.Infow("Ping failed", "user_id", c.userID, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("Connection read failed", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (s *RelayServer) handleFrame(c *client, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		s.metrics.MessageDropped("rate_limited")
		s.logger.Warnw("Dropped message over rate limit", "user_id", c.userID)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.reject(c, "", err)
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "relay."+string(msg.Type()),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			tracing.MessageTypeKey.String(string(msg.Type())),
			tracing.UserIDKey.String(string(c.userID)),
		),
	)
	defer span.End()

	start := time.Now()
	if err := s.handleMessage(ctx, c, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reject(c, msg.Type(), err)
		return
	}
	s.metrics.MessageHandled(string(msg.Type()), time.Since(start))
}

// reject logs a dropped message and tells the sender why.
func (s *RelayServer) reject(c *client, t protocol.Type, err error) {
	reason := "protocol"
	if errors.Is(err, apperrors.SessionState) {
		reason = "session_state"
	}
	s.metrics.MessageDropped(reason)
	s.logger.Warnw("Dropped message", "user_id", c.userID, "type", t, "error", err)
	if sendErr := c.send(&protocol.Error{Message: err.Error()}); sendErr != nil {
		s.logger.Debugw("Failed to report error to sender", "user_id", c.userID, "error", sendErr)
	}
}

func (s *RelayServer) handleMessage(ctx context.Context, c *client, msg protocol.Message) error {
	if c.userID == "" {
		switch msg.(type) {
		case *protocol.Join, *protocol.GetUsers, *protocol.CheckUser:
		default:
			return apperrors.NewProtocolError(fmt.Sprintf("%s before join", msg.Type()), domain.ErrNotRegistered)
		}
	}
	if routed, ok := msg.(protocol.Routed); ok && domain.UserID(routed.Sender()) != c.userID {
		return apperrors.NewProtocolError(
			fmt.Sprintf("from %q does not match registered user %q", routed.Sender(), c.userID),
			domain.ErrSenderMismatch,
		)
	}

	switch m := msg.(type) {
	case *protocol.Join:
		return s.handleJoin(c, m)
	case *protocol.GetUsers:
		return c.send(&protocol.UserList{Users: s.onlineIDs()})
	case *protocol.CheckUser:
		return c.send(&protocol.UserStatus{UserID: m.UserID, Online: s.IsOnline(domain.UserID(m.UserID))})
	case *protocol.Offer:
		return s.handleOffer(c, m)
	case *protocol.Answer:
		return s.handleAnswer(c, m)
	case *protocol.Candidate:
		s.forward(domain.UserID(m.To), m)
		return nil
	case *protocol.Reject:
		record, err := s.ledger.Reject(domain.CallID(m.CallID), c.userID)
		to, err := s.endRecipient(c, m.Type(), domain.CallID(m.CallID), record, err)
		if err != nil || to == "" {
			return err
		}
		s.checkRecipient(m, to)
		fwd := *m
		fwd.To = string(to)
		s.forward(to, &fwd)
		return nil
	case *protocol.Hangup:
		record, err := s.ledger.Hangup(domain.CallID(m.CallID), c.userID)
		to, err := s.endRecipient(c, m.Type(), domain.CallID(m.CallID), record, err)
		if err != nil || to == "" {
			return err
		}
		s.checkRecipient(m, to)
		fwd := *m
		fwd.To = string(to)
		s.forward(to, &fwd)
		return nil
	case *protocol.CallStats:
		return s.handleCallStats(c, m)
	default:
		return apperrors.NewProtocolError(fmt.Sprintf("%s is not accepted by the relay", msg.Type()), nil)
	}
}

func (s *RelayServer) handleJoin(c *client, m *protocol.Join) error {
	userID := domain.UserID(m.UserID)
	if s.auth != nil && userID != c.tokenUser {
		return apperrors.NewUnauthorizedError(fmt.Sprintf("token is not valid for user %q", userID))
	}

	s.mu.Lock()
	if c.userID != "" && c.userID != userID && s.presence[c.userID] == c {
		delete(s.presence, c.userID)
	}
	prev := s.presence[userID]
	s.presence[userID] = c
	c.userID = userID
	online := len(s.presence)
	s.mu.Unlock()

	if prev != nil && prev != c {
		s.logger.Infow("Replacing connection for rejoining user", "user_id", userID)
		prev.close("replaced by a new connection")
	}

	s.metrics.PresenceChanged(online)
	s.logger.Infow("User joined", "user_id", userID, "remote_addr", c.remoteAddr)
	s.broadcastUserList()
	return nil
}

func (s *RelayServer) handleOffer(c *client, m *protocol.Offer) error {
	callee := domain.UserID(m.To)
	if callee == c.userID {
		return apperrors.NewProtocolError("cannot call yourself", nil)
	}

	session := s.ledger.Open(c.userID, callee, m.IsVideoCall)
	if err := c.send(&protocol.CallCreated{CallID: string(session.ID), From: m.From, To: m.To}); err != nil {
		s.logger.Warnw("Failed to confirm call to caller", "call_id", session.ID, "error", err)
	}

	fwd := *m
	fwd.CallID = string(session.ID)
	s.logger.Infow("Routing offer",
		"call_id", session.ID,
		"from", m.From,
		"to", m.To,
		"is_video", m.IsVideoCall,
		"sdp_length", len(m.SDP),
	)
	s.forward(callee, &fwd)
	return nil
}

// handleAnswer routes the answer to the call's caller whatever the sender put in to.
func (s *RelayServer) handleAnswer(c *client, m *protocol.Answer) error {
	session, err := s.ledger.Answer(domain.CallID(m.CallID), c.userID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return apperrors.NewSessionStateError(fmt.Sprintf("answer for unknown call %s", m.CallID))
		}
		return err
	}
	s.checkRecipient(m, session.CallerID)
	fwd := *m
	fwd.To = string(session.CallerID)
	s.forward(session.CallerID, &fwd)
	return nil
}

// endRecipient picks the peer that learns about a reject or hangup. Calls the ledger already
// closed are still routed to their other party, so a peer that missed the first end learns
// about it. Ends for calls the relay does not know are dropped.
func (s *RelayServer) endRecipient(c *client, t protocol.Type, callID domain.CallID, record *domain.CallRecord, err error) (domain.UserID, error) {
	if err == nil {
		return record.Peer(c.userID), nil
	}
	if !errors.Is(err, domain.ErrCallNotFound) {
		return "", err
	}
	session, ok := s.ledger.Find(callID)
	if !ok || !session.Involves(c.userID) {
		s.logger.Debugw("End for unknown call dropped", "call_id", callID, "type", t)
		return "", nil
	}
	s.logger.Debugw("End for call no longer active", "call_id", callID, "type", t)
	return session.Peer(c.userID), nil
}

// checkRecipient logs call messages whose to names someone other than the call's peer.
func (s *RelayServer) checkRecipient(m protocol.Routed, peer domain.UserID) {
	if claimed := domain.UserID(m.Recipient()); claimed != peer {
		s.logger.Warnw("Call message addressed outside the call, routing to peer",
			"type", m.Type(),
			"to", claimed,
			"peer", peer,
		)
	}
}

// handleCallStats accepts a report only from a party of an active or recently ended call.
func (s *RelayServer) handleCallStats(c *client, m *protocol.CallStats) error {
	if err := s.ledger.SaveStats(services.CallStatsFromMessage(m, c.userID, s.now())); err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return apperrors.NewSessionStateError(fmt.Sprintf("call stats for unknown call %s", m.CallID))
		}
		return err
	}
	s.logger.Infow("Received call stats",
		"call_id", m.CallID,
		"reported_by", c.userID,
		"samples", m.TotalSamples,
		"duration_s", m.Duration,
	)
	return nil
}

// forward delivers msg to the recipient's current connection. Absent recipients are skipped.
func (s *RelayServer) forward(to domain.UserID, msg protocol.Message) {
	s.mu.Lock()
	target := s.presence[to]
	s.mu.Unlock()

	if target == nil {
		s.metrics.MessageDropped("recipient_offline")
		s.logger.Infow("Recipient offline, message dropped", "to", to, "type", msg.Type())
		return
	}
	if err := target.send(msg); err != nil {
		s.logger.Warnw("Forward failed", "to", to, "type", msg.Type(), "error", err)
	}
}

func (s *RelayServer) broadcastUserList() {
	type target struct {
		c      *client
		userID domain.UserID
	}
	s.mu.Lock()
	ids := s.sortedIDsLocked()
	targets := make([]target, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, target{c: c, userID: c.userID})
	}
	s.mu.Unlock()

	list := &protocol.UserList{Users: ids}
	for _, t := range targets {
		if err := t.c.send(list); err != nil {
			s.logger.Debugw("User list broadcast failed", "user_id", t.userID, "error", err)
		}
	}
}

// disconnect removes the connection. Calls end as missed only when it still owned the
// user's presence entry; a replaced connection leaves them alone.
func (s *RelayServer) disconnect(c *client) {
	c.close("bye")

	s.mu.Lock()
	delete(s.conns, c)
	owned := c.userID != "" && s.presence[c.userID] == c
	if owned {
		delete(s.presence, c.userID)
	}
	online := len(s.presence)
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	if !owned {
		s.logger.Infow("Connection closed", "user_id", c.userID)
		return
	}

	records := s.ledger.DisconnectUser(c.userID)
	s.metrics.PresenceChanged(online)
	s.logger.Infow("User disconnected", "user_id", c.userID, "ended_calls", len(records))
	s.broadcastUserList()
}

func (s *RelayServer) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.presence))
	for id := range s.presence {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
}

func (s *RelayServer) onlineIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDsLocked()
}

func (s *RelayServer) IsOnline(userID domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.presence[userID]
	return ok
}

func (s *RelayServer) OnlineUsers() []domain.UserID {
	ids := s.onlineIDs()
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out
}

func (s *RelayServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection. Their handlers finalize calls as they exit.
func (s *RelayServer) Shutdown() {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.close("server shutting down")
	}
}
