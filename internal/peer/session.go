package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the chat DataChannel opened between peers.
const DataChannelLabel = "chat"

// ChatMessage is the DataChannel payload.
type ChatMessage struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewChatMessage(text string) ChatMessage {
	return ChatMessage{Text: text, Timestamp: time.Now().Format(time.TimeOnly)}
}

// session is the PeerConnection to one remote peer.
type session struct {
	e        *Endpoint
	remoteID string
	pc       *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func newSession(e *Endpoint, remoteID string) (*session, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &session{e: e, remoteID: remoteID, pc: pc}
	log := e.log.With("peer_id", remoteID)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := e.signal(TypeCandidate, remoteID, c.ToJSON()); err != nil {
			log.Debug("candidate not sent", "err", err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			log.Warn("rejecting data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		s.attach(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			e.forget(s)
			go s.close()
		}
	})

	return s, nil
}

func (s *session) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	events := s.e.cfg.Events
	dc.OnOpen(func() {
		s.e.log.Info("data channel open", "peer_id", s.remoteID)
		if events.ChannelOpen != nil {
			events.ChannelOpen(s.remoteID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var chat ChatMessage
		if err := json.Unmarshal(msg.Data, &chat); err != nil {
			s.e.log.Debug("dropping malformed chat message", "peer_id", s.remoteID, "err", err)
			return
		}
		if events.Message != nil {
			events.Message(s.remoteID, chat)
		}
	})
}

func (s *session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, buffering it until the remote
// description is known.
func (s *session) addCandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc != nil && s.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (s *session) send(msg ChatMessage) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.pc.Close()
	})
}
