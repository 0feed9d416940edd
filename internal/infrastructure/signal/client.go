package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/protocol"
)

// CheckUserTimeout bounds a presence query; no answer in time means offline.
const CheckUserTimeout = 3 * time.Second

// MessageHandler consumes relay messages. SessionCoordinator implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) error
	HandleTransportError(err error)
}

// Client is the user's connection to the relay. It implements ports.SignalingTransport.
type Client struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu      sync.Mutex
	writeTimeout time.Duration
	checkTimeout time.Duration

	mu         sync.Mutex
	checks     map[string][]chan bool
	users      []string
	onUserList func([]string)

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay. A non-empty token is sent as a bearer header.
func Dial(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperrors.NewTransportError("dial relay", err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)
	return &Client{
		conn:         conn,
		logger:       logger,
		writeTimeout: 10 * time.Second,
		checkTimeout: CheckUserTimeout,
		checks:       make(map[string][]chan bool),
		done:         make(chan struct{}),
	}, nil
}

// OnUserList registers a callback for presence broadcasts. Call before Run.
func (c *Client) OnUserList(fn func([]string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserList = fn
}

func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.NewTransportError("send "+string(msg.Type()), err)
	}
	return nil
}

func (c *Client) Join(ctx context.Context, userID domain.UserID) error {
	return c.Send(ctx, &protocol.Join{UserID: string(userID)})
}

// CheckUser asks the relay whether userID is online. It resolves false when the relay does
// not answer within CheckUserTimeout.
func (c *Client) CheckUser(ctx context.Context, userID domain.UserID) (bool, error) {
	ch := make(chan bool, 1)
	key := string(userID)

	c.mu.Lock()
	c.checks[key] = append(c.checks[key], ch)
	c.mu.Unlock()
	defer c.dropCheck(key, ch)

	if err := c.Send(ctx, &protocol.CheckUser{UserID: key}); err != nil {
		return false, err
	}

	timer := time.NewTimer(c.checkTimeout)
	defer timer.Stop()
	select {
	case online := <-ch:
		return online, nil
	case <-timer.C:
		return false, nil
	case <-c.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) dropCheck(key string, ch chan bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.checks[key]
	for i, w := range waiters {
		if w == ch {
			c.checks[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.checks[key]) == 0 {
		delete(c.checks, key)
	}
}

// Users is the last presence list received.
func (c *Client) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.users...)
}

// Run reads until the connection fails or ctx ends. Presence replies are resolved here;
// everything else goes to handler in arrival order. A read failure is reported once through
// HandleTransportError.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			terr := apperrors.NewTransportError("relay connection lost", err)
			handler.HandleTransportError(terr)
			return terr
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warnw("Dropped malformed relay message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.UserStatus:
			c.resolveCheck(m)
		case *protocol.UserList:
			c.setUsers(m.Users)
		case *protocol.Error:
			c.logger.Warnw("Relay rejected a message", "message", m.Message)
		default:
			if err := handler.HandleMessage(ctx, msg); err != nil {
				c.logger.Infow("Message not applied", "type", msg.Type(), "error", err)
			}
		}
	}
}

func (c *Client) resolveCheck(m *protocol.UserStatus) {
	c.mu.Lock()
	waiters := c.checks[m.UserID]
	delete(c.checks, m.UserID)
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- m.Online:
		default:
		}
	}
}

func (c *Client) setUsers(users []string) {
	c.mu.Lock()
	c.users = append([]string(nil), users...)
	fn := c.onUserList
	c.mu.Unlock()
	if fn != nil {
		fn(users)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
