package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/videokall/videokall/internal/signaling"
)

const joinTimeout = 10 * time.Second

var ErrRoomDeleted = errors.New("room deleted")

// SessionConfig configures one call membership.
type SessionConfig struct {
	LocalTracks []webrtc.TrackLocal

	OnTrack      func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnPeerJoined func(peerID string)
	OnPeerLeft   func(peerID string)
	// OnHostChange fires with the current host's participant ID; self is
	// true when this session was promoted.
	OnHostChange func(hostID string, self bool)
	// OnClosed fires once when the session ends for any reason other than
	// Close. err is ErrRoomDeleted after an administrative deletion.
	OnClosed func(err error)

	LoggerFactory logging.LoggerFactory
	Logger        *slog.Logger
}

// Session is one participant's connection to a room: the signaling socket
// plus a Manager negotiating media links with every other participant.
type Session struct {
	cfg  SessionConfig
	log  *slog.Logger
	conn *websocket.Conn
	mgr  *Manager

	writeMu sync.Mutex

	selfID   string
	roomName string

	mu     sync.Mutex
	hostID string
	isHost bool
	closed bool
}

// JoinRoom dials the signaling endpoint, joins the room, and starts
// negotiating with the participants already present. It returns after the
// server confirms the join; media links connect in the background.
func JoinRoom(ctx context.Context, wsURL, roomID string, cfg SessionConfig) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	s := &Session{cfg: cfg, log: cfg.Logger, conn: conn}

	if err := s.send(signaling.ClientMessage{Type: signaling.TypeJoinRoom, RoomID: roomID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	joined, err := s.awaitJoin()
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.selfID = joined.ParticipantID
	s.roomName = joined.RoomName
	s.hostID = joined.ParticipantID
	s.isHost = joined.IsHost
	if !joined.IsHost {
		s.hostID = ""
	}

	mgr, err := NewManager(Config{
		ICEServers:    joined.ICEServers,
		LocalTracks:   cfg.LocalTracks,
		Send:          s.send,
		OnTrack:       cfg.OnTrack,
		OnLinkClosed:  cfg.OnPeerLeft,
		LoggerFactory: cfg.LoggerFactory,
		Logger:        cfg.Logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.mgr = mgr

	// The fresh joiner initiates; everyone already present waits for our
	// offers.
	if err := mgr.HandleRoster(joined.ExistingParticipants); err != nil {
		s.log.Warn("initial offers incomplete", "err", err)
	}

	go s.readLoop()
	return s, nil
}

func (s *Session) awaitJoin() (signaling.ServerEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return signaling.ServerEvent{}, fmt.Errorf("await join: %w", err)
		}
		ev, err := signaling.ParseServerEvent(data)
		if err != nil {
			return signaling.ServerEvent{}, fmt.Errorf("await join: %w", err)
		}
		switch ev.Type {
		case signaling.TypeRoomJoined:
			return ev, nil
		case signaling.TypeError:
			return signaling.ServerEvent{}, fmt.Errorf("join rejected: %s", ev.Message)
		default:
			// Roster churn can beat our join confirmation; skip it.
		}
	}
}

// SelfID returns the participant ID assigned by the server.
func (s *Session) SelfID() string {
	return s.selfID
}

// RoomName returns the room's display name.
func (s *Session) RoomName() string {
	return s.roomName
}

// IsHost reports whether this session currently holds the host role.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// Manager exposes the negotiation manager, for media control such as
// ReplaceVideoTrack.
func (s *Session) Manager() *Manager {
	return s.mgr
}

// Leave announces departure and closes the session.
func (s *Session) Leave() {
	_ = s.send(signaling.ClientMessage{Type: signaling.TypeLeaveRoom})
	s.shutdown(nil, false)
}

// Close tears the session down without notifying the server first; the
// server detects the disconnect.
func (s *Session) Close() {
	s.shutdown(nil, false)
}

func (s *Session) send(msg signaling.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err, true)
			return
		}
		ev, err := signaling.ParseServerEvent(data)
		if err != nil {
			s.log.Warn("bad server event", "err", err)
			continue
		}
		if s.dispatch(ev) {
			return
		}
	}
}

// dispatch handles one server event; it returns true when the session is
// over.
func (s *Session) dispatch(ev signaling.ServerEvent) bool {
	switch ev.Type {
	case signaling.TypeParticipantJoined:
		// The newcomer offers to us; nothing to initiate.
		if s.cfg.OnPeerJoined != nil {
			s.cfg.OnPeerJoined(ev.ParticipantID)
		}
	case signaling.TypeParticipantLeft:
		s.mgr.RemovePeer(ev.ParticipantID)
		s.setHostIfKnownGone(ev.ParticipantID)
		if s.cfg.OnPeerLeft != nil {
			s.cfg.OnPeerLeft(ev.ParticipantID)
		}
	case signaling.TypeOffer:
		if err := s.mgr.HandleOffer(ev.FromID, ev.Data); err != nil {
			s.log.Warn("handle offer", "peer_id", ev.FromID, "err", err)
		}
	case signaling.TypeAnswer:
		if err := s.mgr.HandleAnswer(ev.FromID, ev.Data); err != nil {
			s.log.Warn("handle answer", "peer_id", ev.FromID, "err", err)
		}
	case signaling.TypeICECandidate:
		if err := s.mgr.HandleCandidate(ev.FromID, ev.Data); err != nil {
			s.log.Warn("handle candidate", "peer_id", ev.FromID, "err", err)
		}
	case signaling.TypeYouAreHost:
		s.mu.Lock()
		s.isHost = true
		s.hostID = s.selfID
		s.mu.Unlock()
		if s.cfg.OnHostChange != nil {
			s.cfg.OnHostChange(s.selfID, true)
		}
	case signaling.TypeNewHost:
		s.mu.Lock()
		s.isHost = false
		s.hostID = ev.HostID
		s.mu.Unlock()
		if s.cfg.OnHostChange != nil {
			s.cfg.OnHostChange(ev.HostID, false)
		}
	case signaling.TypeRoomDeleted:
		s.shutdown(ErrRoomDeleted, true)
		return true
	case signaling.TypeError:
		s.log.Warn("server error", "message", ev.Message)
	}
	return false
}

func (s *Session) setHostIfKnownGone(departedID string) {
	s.mu.Lock()
	if s.hostID == departedID {
		// The election result follows in the same departure turn.
		s.hostID = ""
	}
	s.mu.Unlock()
}

func (s *Session) shutdown(err error, notify bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.mgr.Close()
	s.conn.Close()

	if notify && s.cfg.OnClosed != nil {
		s.cfg.OnClosed(err)
	}
}
