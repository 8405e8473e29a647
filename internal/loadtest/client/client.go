// Package client is a WebSocket load test client for the chat server. It
// connects with gobwas/ws (the same library the server uses), waits for the
// connected handshake and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connection.
type Client struct {
	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex

	userID        atomic.Value // string, set by the connected frame
	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	pending  map[string]time.Time // clientMessageId -> send time
	onEcho   func(time.Duration)
}

// New dials serverURL with token as the access token. The read loop starts
// immediately; use WaitConnected to wait for the handshake.
func New(ctx context.Context, serverURL, token string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		r:              conn,
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		pending:        make(map[string]time.Time),
	}
	if br != nil {
		c.r = br
	}

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Join sends join_room.
func (c *Client) Join(roomID string) error {
	return c.Send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: protocol.RoomID(roomID)})
}

// Chat sends a chat message tagged with a fresh clientMessageId so the echo
// can be matched for latency.
func (c *Client) Chat(roomID, text string) error {
	id := uuid.NewString()
	c.mu.Lock()
	c.pending[id] = time.Now()
	c.mu.Unlock()
	return c.Send(protocol.ChatMsg{
		Type:            protocol.TypeChat,
		RoomID:          protocol.RoomID(roomID),
		Message:         text,
		ClientMessageID: id,
	})
}

// OnEcho registers a callback receiving the send-to-echo latency of every
// chat message this client sent.
func (c *Client) OnEcho(fn func(time.Duration)) {
	c.mu.Lock()
	c.onEcho = fn
	c.mu.Unlock()
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine; registering a second handler for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until the server has sent the connected frame.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before handshake")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the user id the server authenticated, or "".
func (c *Client) UserID() string {
	id, _ := c.userID.Load().(string)
	return id
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			c.errors.Add(1)
			return
		}
		c.received.Add(1)

		var frame struct {
			Type      string `json:"type"`
			UserID    string `json:"userId"`
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeConnected:
			c.userID.Store(frame.UserID)
			c.connectedOnce.Do(func() { close(c.connected) })
		case protocol.TypeError:
			c.errors.Add(1)
		case protocol.TypeChat:
			c.echo(frame.MessageID)
		}

		c.mu.Lock()
		handler := c.handlers[frame.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// echo resolves the latency of a message this client sent. The server uses
// the clientMessageId as the message id.
func (c *Client) echo(messageID string) {
	c.mu.Lock()
	sentAt, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	fn := c.onEcho
	c.mu.Unlock()

	if ok && fn != nil {
		fn(time.Since(sentAt))
	}
}

// lockedWriter serializes the control frame replies written by the read loop
// with Send.
type lockedWriter struct {
	c *Client
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
