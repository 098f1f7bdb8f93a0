// Package peer is the client half of call negotiation: it owns one pion
// PeerConnection per remote participant, drives the offer/answer exchange
// over the signaling channel, and buffers trickled ICE candidates until the
// matching remote description is in place.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/videokall/videokall/internal/config"
	"github.com/videokall/videokall/internal/signaling"
)

var ErrClosed = errors.New("peer manager closed")

// Sender posts an envelope to the signaling channel. Implementations must
// preserve per-call ordering; the WebSocket client does.
type Sender func(msg signaling.ClientMessage) error

// Config wires a Manager to its collaborators.
type Config struct {
	ICEServers  []config.ICEServer
	LocalTracks []webrtc.TrackLocal

	Send Sender

	// OnTrack fires when remote media arrives on any link.
	OnTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnLinkClosed fires when a link is torn down by transport failure, not
	// by RemovePeer or Close.
	OnLinkClosed func(peerID string)

	// LoggerFactory configures pion's internal logging. Defaults to pion's
	// standard factory.
	LoggerFactory logging.LoggerFactory
	Logger        *slog.Logger
}

// Manager owns the links of one call. A fresh joiner initiates offers
// toward every existing participant (HandleRoster); established members
// answer offers as they arrive. Link failures are isolated: one peer's
// transport dying never touches the other links.
type Manager struct {
	cfg Config
	api *webrtc.API
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	links  map[string]*Link
	// early holds candidates that arrived before any offer from that peer
	// created a link. Drained into the link's queue on creation.
	early map[string][]webrtc.ICECandidateInit
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Send == nil {
		return nil, errors.New("peer: Send is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		settings.LoggerFactory = cfg.LoggerFactory
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &Manager{
		cfg:   cfg,
		api:   api,
		log:   cfg.Logger,
		links: make(map[string]*Link),
		early: make(map[string][]webrtc.ICECandidateInit),
	}, nil
}

// HandleRoster initiates negotiation toward every existing participant of a
// freshly joined room. Pre-existing members stay passive and answer.
func (m *Manager) HandleRoster(peerIDs []string) error {
	var errs []error
	for _, id := range peerIDs {
		if err := m.initiate(id); err != nil {
			// Keep going: one unreachable peer must not block the rest.
			m.log.Warn("offer failed", "peer_id", id, "err", err)
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) initiate(peerID string) error {
	link, err := m.ensureLink(peerID)
	if err != nil {
		return err
	}
	link.setState(StateOffering)

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return m.cfg.Send(signaling.ClientMessage{
		Type:     signaling.TypeOffer,
		TargetID: peerID,
		Data:     payload,
	})
}

// HandleOffer answers an incoming offer, replaying any candidates that
// arrived ahead of it.
func (m *Manager) HandleOffer(fromID string, data json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	link, err := m.ensureLink(fromID)
	if err != nil {
		return err
	}
	link.setState(StateAnswering)

	if err := link.setRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return m.cfg.Send(signaling.ClientMessage{
		Type:     signaling.TypeAnswer,
		TargetID: fromID,
		Data:     payload,
	})
}

// HandleAnswer completes a negotiation this side initiated. Answers from
// unknown peers are ignored; they lost a race with a departure.
func (m *Manager) HandleAnswer(fromID string, data json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	link := m.link(fromID)
	if link == nil {
		m.log.Debug("answer from unknown peer", "peer_id", fromID)
		return nil
	}
	if err := link.setRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// HandleCandidate applies or queues a trickled ICE candidate from a peer.
func (m *Manager) HandleCandidate(fromID string, data json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	link := m.links[fromID]
	if link == nil {
		m.early[fromID] = append(m.early[fromID], cand)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return link.addCandidate(cand)
}

// ReplaceVideoTrack swaps the outgoing video source on every link in place,
// without renegotiation. Used when the local camera changes mid-call.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
		return errors.New("peer: video track required")
	}

	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var errs []error
	for _, link := range links {
		for _, sender := range link.pc.GetSenders() {
			current := sender.Track()
			if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("peer %s: %w", link.peerID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RemovePeer tears down the link to a departed participant. Safe to call
// for peers that never had a link.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	link := m.links[peerID]
	delete(m.links, peerID)
	delete(m.early, peerID)
	m.mu.Unlock()

	if link != nil {
		link.close()
	}
}

// Link returns the link for a peer, or nil. Primarily for introspection.
func (m *Manager) Link(peerID string) *Link {
	return m.link(peerID)
}

// Peers returns the IDs of all current links.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

// Close tears down every link. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*Link)
	m.early = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for _, link := range links {
		link.close()
	}
}

func (m *Manager) link(peerID string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID]
}

// ensureLink returns the existing link for a peer or builds a new one with
// the local tracks attached and pion callbacks wired. Candidates that
// arrived early are moved into the new link's queue.
func (m *Manager) ensureLink(peerID string) (*Link, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if link := m.links[peerID]; link != nil {
		m.mu.Unlock()
		return link, nil
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ToWebRTCICEServers(m.cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	link := &Link{peerID: peerID, pc: pc, log: m.log, state: StateNew}

	for _, track := range m.cfg.LocalTracks {
		if _, err := pc.AddTrack(track); err != nil {
			link.close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.log.Error("encode candidate", "peer_id", peerID, "err", err)
			return
		}
		if err := m.cfg.Send(signaling.ClientMessage{
			Type:     signaling.TypeICECandidate,
			TargetID: peerID,
			Data:     payload,
		}); err != nil {
			m.log.Warn("send candidate", "peer_id", peerID, "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(peerID, track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.setState(StateConnected)
			m.log.Info("peer connected", "peer_id", peerID)
		case webrtc.PeerConnectionStateFailed:
			m.failLink(link)
		}
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		link.close()
		return nil, ErrClosed
	}
	if existing := m.links[peerID]; existing != nil {
		// Lost a creation race; keep the first link.
		m.mu.Unlock()
		link.close()
		return existing, nil
	}
	m.links[peerID] = link
	early := m.early[peerID]
	delete(m.early, peerID)
	m.mu.Unlock()

	for _, cand := range early {
		if err := link.addCandidate(cand); err != nil {
			m.log.Warn("early candidate rejected", "peer_id", peerID, "err", err)
		}
	}

	return link, nil
}

// failLink removes and closes a link whose transport failed terminally,
// then notifies the owner. Other links are untouched.
func (m *Manager) failLink(link *Link) {
	m.mu.Lock()
	if m.links[link.peerID] != link {
		m.mu.Unlock()
		return
	}
	delete(m.links, link.peerID)
	m.mu.Unlock()

	m.log.Warn("peer link failed", "peer_id", link.peerID)
	link.close()

	if m.cfg.OnLinkClosed != nil {
		m.cfg.OnLinkClosed(link.peerID)
	}
}
