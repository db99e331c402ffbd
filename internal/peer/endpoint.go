// Package peer is a reference signaling client. It joins the relay, opens a
// WebRTC "chat" DataChannel to every peer it learns about, and exchanges
// {text,timestamp} messages over those channels.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

// Handshake envelope types exchanged through the relay.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

const wsWriteWait = 5 * time.Second

var (
	ErrUnexpectedFirstFrame = errors.New("peer: first frame was not your_id")
	ErrUnknownPeer          = errors.New("peer: unknown peer")
	ErrChannelNotOpen       = errors.New("peer: data channel not open")
)

// Events are optional callbacks. They run on pion or signaling goroutines
// and must not block.
type Events struct {
	PeerJoined  func(id string)
	PeerLeft    func(id string)
	ChannelOpen func(id string)
	Message     func(from string, msg ChatMessage)
}

type Config struct {
	// SignalURL is the relay's WebSocket URL, e.g. ws://localhost:3000/.
	SignalURL string
	Header    http.Header

	ICEServers []webrtc.ICEServer
	// API defaults to NewAPI(Logger).
	API    *webrtc.API
	Logger *slog.Logger
	Events Events
}

// Endpoint is one participant connected to the relay.
type Endpoint struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API
	ws  *websocket.Conn
	id  string

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session

	closeOnce sync.Once
}

// Dial connects to the relay and waits for the identity assignment.
func Dial(ctx context.Context, cfg Config) (*Endpoint, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = NewAPI(cfg.Logger)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.SignalURL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read identity: %w", err)
	}
	env, err := signaling.ParseEnvelope(data)
	if err != nil || env.Type != signaling.TypeYourID || env.ID == "" {
		_ = ws.Close()
		return nil, ErrUnexpectedFirstFrame
	}
	_ = ws.SetReadDeadline(time.Time{})

	e := &Endpoint{
		cfg:      cfg,
		log:      cfg.Logger.With("self_id", env.ID),
		api:      api,
		ws:       ws,
		id:       env.ID,
		sessions: make(map[string]*session),
	}
	e.log.Info("joined signaling relay", "url", cfg.SignalURL)
	return e, nil
}

// ID is the identity the relay assigned to this endpoint.
func (e *Endpoint) ID() string {
	return e.id
}

// Run processes relay traffic until the socket closes or ctx is done.
func (e *Endpoint) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = e.ws.Close() })
	defer stop()

	for {
		_, data, err := e.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read signaling: %w", err)
		}

		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			e.log.Debug("ignoring malformed signaling frame", "err", err)
			continue
		}
		if err := e.handle(env); err != nil {
			e.log.Warn("signaling envelope failed", "type", env.Type, "peer_id", env.SenderID, "err", err)
		}
	}
}

func (e *Endpoint) handle(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeNewPeer:
		if fn := e.cfg.Events.PeerJoined; fn != nil {
			fn(env.ID)
		}
		return e.connect(env.ID)
	case signaling.TypePeerLeft:
		e.drop(env.ID)
		if fn := e.cfg.Events.PeerLeft; fn != nil {
			fn(env.ID)
		}
		return nil
	case TypeOffer:
		var offer webrtc.SessionDescription
		if err := env.DecodeField(TypeOffer, &offer); err != nil {
			return err
		}
		return e.answer(env.SenderID, offer)
	case TypeAnswer:
		var answer webrtc.SessionDescription
		if err := env.DecodeField(TypeAnswer, &answer); err != nil {
			return err
		}
		s, ok := e.session(env.SenderID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, env.SenderID)
		}
		return s.setRemote(answer)
	case TypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := env.DecodeField(TypeCandidate, &cand); err != nil {
			return err
		}
		s, ok := e.session(env.SenderID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, env.SenderID)
		}
		return s.addCandidate(cand)
	default:
		e.log.Debug("ignoring envelope", "type", env.Type)
		return nil
	}
}

// connect initiates a connection to a newly joined peer.
func (e *Endpoint) connect(remoteID string) error {
	s, err := e.newSession(remoteID)
	if err != nil {
		return err
	}
	dc, err := s.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.attach(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	// Sent before SetLocalDescription starts candidate gathering, so the
	// relay delivers it ahead of every trickled candidate.
	if err := e.signal(TypeOffer, remoteID, offer); err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (e *Endpoint) answer(remoteID string, offer webrtc.SessionDescription) error {
	s, err := e.newSession(remoteID)
	if err != nil {
		return err
	}
	if err := s.setRemote(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.signal(TypeAnswer, remoteID, answer); err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

// signal sends a handshake envelope carrying payload under the member named
// after typ.
func (e *Endpoint) signal(typ, recipientID string, payload any) error {
	env, err := signaling.Envelope{Type: typ, RecipientID: recipientID}.With(typ, payload)
	if err != nil {
		return err
	}
	data, err := env.MarshalJSON()
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := e.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func (e *Endpoint) newSession(remoteID string) (*session, error) {
	s, err := newSession(e, remoteID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	prev := e.sessions[remoteID]
	e.sessions[remoteID] = s
	e.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return s, nil
}

func (e *Endpoint) session(remoteID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[remoteID]
	return s, ok
}

func (e *Endpoint) drop(remoteID string) {
	e.mu.Lock()
	s := e.sessions[remoteID]
	delete(e.sessions, remoteID)
	e.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// forget removes s if it is still the current session for its peer.
func (e *Endpoint) forget(s *session) {
	e.mu.Lock()
	if e.sessions[s.remoteID] == s {
		delete(e.sessions, s.remoteID)
	}
	e.mu.Unlock()
}

// Peers lists peers with an open chat channel, sorted.
func (e *Endpoint) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessions))
	for id, s := range e.sessions {
		if s.open() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Send writes a chat message to one peer.
func (e *Endpoint) Send(remoteID, text string) error {
	s, ok := e.session(remoteID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remoteID)
	}
	return s.send(NewChatMessage(text))
}

// Broadcast writes a chat message to every open channel and returns how many
// peers it reached.
func (e *Endpoint) Broadcast(text string) int {
	msg := NewChatMessage(text)

	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	sent := 0
	for _, s := range sessions {
		if err := s.send(msg); err != nil {
			e.log.Debug("chat message not sent", "peer_id", s.remoteID, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Close tears down every peer connection and leaves the relay.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		sessions := e.sessions
		e.sessions = make(map[string]*session)
		e.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}

		e.writeMu.Lock()
		_ = e.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		e.writeMu.Unlock()
		err = e.ws.Close()
	})
	return err
}
