package peer

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Link is the negotiation state for one remote participant: the pion
// PeerConnection plus the pending ICE candidate queue that buffers
// candidates arriving before the remote description.
type Link struct {
	peerID string
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	mu            sync.Mutex
	state         LinkState
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	if l.state != StateClosed {
		l.state = s
	}
	l.mu.Unlock()
}

// addCandidate applies a candidate immediately when the remote description
// is set, otherwise queues it. Queued candidates are replayed exactly once
// by setRemoteDescription.
func (l *Link) addCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(cand)
}

// setRemoteDescription installs the remote SDP and replays the pending
// queue in arrival order. The queue is detached before replay so a
// re-entrant candidate cannot be applied twice.
func (l *Link) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteDescSet = true
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range queued {
		if err := l.pc.AddICECandidate(cand); err != nil {
			// A single malformed candidate must not sink the link; ICE can
			// succeed on the remaining ones.
			l.log.Warn("queued candidate rejected", "peer_id", l.peerID, "err", err)
		}
	}
	return nil
}

func (l *Link) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) remoteDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDescSet
}

func (l *Link) close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.pending = nil
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		l.log.Debug("peer connection close", "peer_id", l.peerID, "err", err)
	}
}
