package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultMaxMessageBytes   = 64 * 1024
	defaultSendQueueMessages = 256
)

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is matched against the Origin header of upgrade
	// requests. Empty means same host only; "*" allows any origin.
	AllowedOrigins []string

	// MaxClients caps concurrently registered clients. <= 0 is unlimited.
	MaxClients int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond limits inbound envelopes per connection. Excess
	// envelopes are dropped. <= 0 disables the limit.
	MaxMessagesPerSecond int
	SendQueueMessages    int

	// NewIdentity overrides identity generation. Defaults to NewIdentity.
	NewIdentity IdentityFunc
	// Clock drives the inbound rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.SendQueueMessages <= 0 {
		c.SendQueueMessages = defaultSendQueueMessages
	}
	if c.NewIdentity == nil {
		c.NewIdentity = NewIdentity
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server accepts signaling connections and owns the shared Registry, Router
// and Broadcaster.
type Server struct {
	cfg Config
	log *slog.Logger

	registry    *Registry
	router      *Router
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*Conn]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()

	registry := NewRegistry(cfg.MaxClients)
	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		registry:    registry,
		router:      NewRouter(registry, cfg.Logger, cfg.Metrics),
		broadcaster: NewBroadcaster(registry, cfg.Logger, cfg.Metrics),
		conns:       make(map[*Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	cfg.Metrics.RegisterGauge("connected_clients", func() float64 {
		return float64(registry.Len())
	})
	return s
}

// Registry exposes the shared client registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleWebSocket(w, r)
}

// Ready reports ErrServerClosed once Close has been called.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// Close stops accepting connections, closes every open connection with
// 1001 (going away) and waits for their handlers to finish. When ctx expires
// first, remaining sockets are dropped without a close frame.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Close frames go out concurrently; a stalled peer may hold its write
	// for up to wsWriteWait.
	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func(c *Conn) {
			defer closing.Done()
			s.disconnect(c, websocket.CloseGoingAway, "server shutting down")
		}(c)
	}

	done := make(chan struct{})
	go func() {
		closing.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return fmt.Errorf("wait for signaling connections: %w", ctx.Err())
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if origin.CheckRequest(r.Header.Get("Origin"), r.Host, s.cfg.AllowedOrigins) {
		return true
	}
	s.cfg.Metrics.Inc(metrics.OriginRejected)
	s.log.Debug("rejecting websocket origin", "origin", r.Header.Get("Origin"), "host", r.Host)
	return false
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Ready() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := newConn(ws, s.cfg.SendQueueMessages, s.cfg.PingInterval)
	if !s.track(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	id, err := s.admit(c)
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "internal error"
		switch {
		case errors.Is(err, ErrTooManyClients):
			s.cfg.Metrics.Inc(metrics.ClientRejectedLimit)
			code, reason = websocket.CloseTryAgainLater, "too many clients"
		case errors.Is(err, ErrServerClosed):
			code, reason = websocket.CloseGoingAway, "server shutting down"
		}
		s.log.Warn("rejecting signaling connection", "remote_addr", r.RemoteAddr, "err", err)
		s.disconnect(c, code, reason)
		return
	}

	c.startWriter(func(err error) {
		s.log.Debug("signaling write failed", "client_id", id, "err", err)
		s.disconnect(c, websocket.CloseInternalServerErr, "write failed")
	})

	code, reason := s.readLoop(c)
	s.disconnect(c, code, reason)
	c.wait()
}

// admit assigns an identity, queues your_id as the connection's first frame,
// registers the connection and announces it to existing peers.
func (s *Server) admit(c *Conn) (string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() != StateConnecting {
		return "", ErrServerClosed
	}
	c.open()

	var err error
	for attempt := 0; attempt < maxIdentityAttempts; attempt++ {
		var id string
		id, err = s.cfg.NewIdentity()
		if err != nil {
			return "", err
		}

		var yourID []byte
		yourID, err = Notice(TypeYourID, id).MarshalJSON()
		if err != nil {
			return "", err
		}
		// Queued before registration so nothing can overtake it.
		if err = c.Send(yourID); err != nil {
			return "", err
		}

		err = s.registry.Register(id, c)
		if err == nil {
			c.id.Store(id)
			s.cfg.Metrics.Inc(metrics.ClientConnected)
			notified := s.broadcaster.AnnounceJoin(id)
			s.log.Info("client connected", "client_id", id, "clients", s.registry.Len(), "notified", notified)
			return id, nil
		}

		c.discardQueued()
		if !errors.Is(err, ErrDuplicateIdentity) {
			return "", err
		}
		s.cfg.Metrics.Inc(metrics.IdentityCollision)
		s.log.Warn("client id collision, regenerating", "client_id", id, "attempt", attempt+1)
	}
	return "", fmt.Errorf("assign client id after %d attempts: %w", maxIdentityAttempts, err)
}

// disconnect runs the connection's teardown exactly once: deregister,
// announce the departure if an entry was removed, close the socket.
func (s *Server) disconnect(c *Conn, code int, reason string) {
	c.lifecycle.Lock()
	if !c.beginClosing() {
		c.lifecycle.Unlock()
		return
	}
	id := c.ID()
	var removed bool
	if id != "" {
		_, removed = s.registry.Deregister(id)
	}
	c.lifecycle.Unlock()

	if removed {
		notified := s.broadcaster.AnnounceDeparture(id)
		s.cfg.Metrics.Inc(metrics.ClientDisconnected)
		s.log.Info("client disconnected", "client_id", id, "reason", reason, "clients", s.registry.Len(), "notified", notified)
	}

	c.shutdown(code, reason)
	c.markClosed()
}

func (s *Server) readLoop(c *Conn) (closeCode int, reason string) {
	id := c.ID()
	idle := s.cfg.IdleTimeout
	limiter := ratelimit.NewPerSecond(s.cfg.Clock, s.cfg.MaxMessagesPerSecond)

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return closeCodeFor(err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after the read so the frame is fully consumed.
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			s.log.Debug("dropping rate limited envelope", "client_id", id)
			continue
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.EnvelopeMalformed)
			s.log.Debug("dropping non-text frame", "client_id", id, "frame_type", msgType)
			continue
		}

		env, err := parseInbound(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.EnvelopeMalformed)
			s.log.Debug("dropping malformed envelope", "client_id", id, "err", err)
			continue
		}
		if !env.Addressed() {
			s.cfg.Metrics.Inc(metrics.EnvelopeUnaddressed)
			s.log.Debug("ignoring envelope without recipient", "client_id", id, "type", env.Type)
			continue
		}

		s.router.Route(id, env)
	}
}

func parseInbound(data []byte) (Envelope, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return Envelope{}, err
	}
	if env.IsNotice() {
		return Envelope{}, fmt.Errorf("%w: type %q is reserved", ErrMalformedEnvelope, env.Type)
	}
	return env, nil
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too large"
	case isTimeout(err):
		return websocket.CloseNormalClosure, "idle timeout"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return websocket.CloseNormalClosure, "client closed"
	default:
		return websocket.CloseNormalClosure, "connection lost"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
