// Package ws is the WebSocket transport of the chat server. It authenticates
// and upgrades HTTP connections, watches the sockets with epoll, reads frames
// on a bounded worker pool and hands each decoded frame to the hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/hub"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/ratelimit"
)

// StatusUnauthorized is the close code sent when the upgrade token is
// missing or invalid.
const StatusUnauthorized ws.StatusCode = 4001

// errConnGone is returned by register when the connection was torn down
// before it could be registered.
var errConnGone = errors.New("ws: connection closed during registration")

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// RateLimiter is the rate limiting capability used for upgrades and room
// events. It fails open.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Directory keeps the online records of this instance's users fresh.
type Directory interface {
	Refresh(ctx context.Context, userIDs []string) error
}

// BrokerStatus reports whether the cross-instance broker is reachable.
type BrokerStatus interface {
	Connected() bool
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string         // address to listen on, e.g. ":8080"
	WorkerPoolSize int            // max concurrent read-worker goroutines
	MaxConnections int            // hard cap on total connections
	MaxFrameSize   int64          // larger client frames close the connection
	ReadTimeout    time.Duration  // timeout for WebSocket read operations
	WriteTimeout   time.Duration  // timeout for WebSocket write operations
	ChatRule       ratelimit.Rule // per-user limit on chat, reaction, edit and delete
	ConnectRule    ratelimit.Rule // per-IP limit on upgrades
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ChatRule:       ratelimit.RuleChat,
		ConnectRule:    ratelimit.RuleConnect,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. Ready
// sockets are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	hub        *hub.Hub
	verifier   TokenVerifier
	limiter    RateLimiter  // may be nil
	directory  Directory    // may be nil
	broker     BrokerStatus // may be nil
	dispatcher *Dispatcher
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	ready      chan struct{} // closed once Serve has initialized
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. limiter and directory may be nil.
func NewServer(config ServerConfig, h *hub.Hub, verifier TokenVerifier, limiter RateLimiter, directory Directory) *Server {
	if config.WorkerPoolSize < 1 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		hub:        h,
		verifier:   verifier,
		limiter:    limiter,
		directory:  directory,
		dispatcher: NewDispatcher(h, limiter, config.ChatRule),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// SetBroker makes /health report the broker connection. Call it before
// Start.
func (s *Server) SetBroker(b BrokerStatus) {
	s.broker = b
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and the
// heartbeat, and blocks serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)
	close(s.ready)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the token query parameter, upgrades the
// request and registers the socket with the hub and epoll. A bad token still
// completes the upgrade so the client sees close code 4001.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := remoteIP(r)
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, s.config.ConnectRule)
		cancel()
		if !allowed {
			log.Printf("ws: upgrade rate limited ip=%s", ip)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	userID, err := s.verifier.VerifyToken(token)
	if err != nil {
		log.Printf("ws: unauthorized upgrade from %s: %v", netConn.RemoteAddr(), err)
		c := newConnection(netConn, "", s.config.WriteTimeout)
		if err := c.WriteClose(StatusUnauthorized, "unauthorized"); err != nil {
			log.Printf("ws: send close to %s: %v", netConn.RemoteAddr(), err)
		}
		_ = c.Close()
		return
	}

	c := newConnection(netConn, userID, s.config.WriteTimeout)
	if err := s.register(c); err != nil {
		log.Printf("ws: register user=%s: %v", userID, err)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.hc.ID, userID, c.Fd, s.conns.Count())
}

// register connects c to the hub and adds it to the connection manager and
// epoll. On error c has already been removed and closed.
func (s *Server) register(c *Connection) error {
	c.hc = s.hub.Connect(c.UserID, transport{server: s, conn: c})
	s.conns.Add(c)

	// The hub may have torn the connection down already, e.g. when a newer
	// connection for the same user raced this one, or the connected frame
	// could not be written.
	if c.hc.Closed() || c.Broken() {
		s.RemoveConnection(c)
		return errConnGone
	}

	if err := s.epoll.Add(c.Conn); err != nil {
		s.RemoveConnection(c)
		return fmt.Errorf("ws: epoll add: %w", err)
	}

	if c.hc.Closed() || c.Broken() {
		s.RemoveConnection(c)
		return errConnGone
	}
	return nil
}

// handleHealth responds with the server's health status as JSON. A lost
// broker connection reports "degraded": local rooms still work but other
// instances are unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, broker := "ok", "none"
	if s.broker != nil {
		broker = "connected"
		if !s.broker.Connected() {
			status, broker = "degraded", "disconnected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Broker      string `json:"broker"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      status,
		Broker:      broker,
		Connections: s.conns.Count(),
		Rooms:       s.hub.Rooms().ActiveRooms(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is read by a
// worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are answered here; text frames go to the dispatcher.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame too large user=%s len=%d", c.UserID, header.Length)
		_ = c.WriteClose(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		if err := c.WritePong(data); err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong:
		return
	}

	if len(data) == 0 {
		return
	}
	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection removes a connection from epoll, the connection manager
// and the hub, and closes the socket. It is safe to call more than once and
// from any goroutine; only the first call does anything.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c) {
		return
	}
	_ = s.epoll.Remove(c.Conn)
	_ = c.Close()

	if c.hc != nil {
		s.hub.Disconnect(c.hc)
	}

	log.Printf("ws: connection closed user=%s (total=%d)", c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// remoteIP returns the client address, preferring the first hop recorded by
// a proxy.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
