package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/videokall/videokall/internal/config"
	"github.com/videokall/videokall/internal/metrics"
	"github.com/videokall/videokall/internal/registry"
	"github.com/videokall/videokall/internal/signaling"
)

type callStack struct {
	wsURL string
	reg   *registry.Registry
	hub   *signaling.Hub
}

func newCallStack(t *testing.T) *callStack {
	t.Helper()

	cfg := config.Config{
		SignalingPingInterval:         30 * time.Second,
		SignalingPongTimeout:          60 * time.Second,
		SignalingWriteTimeout:         5 * time.Second,
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
		SignalingSendBuffer:           config.DefaultSignalingSendBuffer,
		// No STUN: in-process peers connect over host candidates.
		ICEServers: []config.ICEServer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	m := metrics.New()
	hub := signaling.NewHub(cfg, logger, reg, m)
	go hub.Run()

	ts := httptest.NewServer(signaling.NewServer(cfg, hub, logger, m))
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		reg.Close()
	})

	return &callStack{
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		reg:   reg,
		hub:   hub,
	}
}

func (s *callStack) createRoom(t *testing.T, name string) registry.Room {
	t.Helper()
	room, err := s.reg.CreateRoom(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func TestSessionJoinAndNegotiate(t *testing.T) {
	stack := newCallStack(t)
	room := stack.createRoom(t, "standup")
	ctx := context.Background()

	joined := make(chan string, 4)
	sessA, err := JoinRoom(ctx, stack.wsURL, room.ID, SessionConfig{
		LocalTracks:  localTracks(t),
		OnPeerJoined: func(id string) { joined <- id },
	})
	if err != nil {
		t.Fatalf("A JoinRoom: %v", err)
	}
	defer sessA.Close()

	if !sessA.IsHost() {
		t.Errorf("first joiner is not host")
	}
	if sessA.RoomName() != "standup" {
		t.Errorf("RoomName = %q", sessA.RoomName())
	}

	sessB, err := JoinRoom(ctx, stack.wsURL, room.ID, SessionConfig{
		LocalTracks: localTracks(t),
	})
	if err != nil {
		t.Fatalf("B JoinRoom: %v", err)
	}
	defer sessB.Close()

	if sessB.IsHost() {
		t.Errorf("second joiner claims host")
	}

	select {
	case id := <-joined:
		if id != sessB.SelfID() {
			t.Errorf("OnPeerJoined(%q), want %q", id, sessB.SelfID())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("A never saw B join")
	}

	// B initiated toward A; both sides converge on connected links.
	waitForLink(t, sessB.Manager(), sessA.SelfID())
	waitForLink(t, sessA.Manager(), sessB.SelfID())
}

func TestSessionHostFailover(t *testing.T) {
	stack := newCallStack(t)
	room := stack.createRoom(t, "failover")
	ctx := context.Background()

	sessA, err := JoinRoom(ctx, stack.wsURL, room.ID, SessionConfig{
		LocalTracks: localTracks(t),
	})
	if err != nil {
		t.Fatalf("A JoinRoom: %v", err)
	}
	defer sessA.Close()

	promoted := make(chan bool, 1)
	sessB, err := JoinRoom(ctx, stack.wsURL, room.ID, SessionConfig{
		LocalTracks:  localTracks(t),
		OnHostChange: func(hostID string, self bool) { promoted <- self },
	})
	if err != nil {
		t.Fatalf("B JoinRoom: %v", err)
	}
	defer sessB.Close()

	sessA.Close()

	select {
	case self := <-promoted:
		if !self {
			t.Fatalf("OnHostChange(self=false), want promotion")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("B never promoted after host left")
	}
	if !sessB.IsHost() {
		t.Errorf("IsHost() = false after promotion")
	}
}

func TestSessionRoomDeleted(t *testing.T) {
	stack := newCallStack(t)
	room := stack.createRoom(t, "doomed")

	closed := make(chan error, 1)
	sess, err := JoinRoom(context.Background(), stack.wsURL, room.ID, SessionConfig{
		LocalTracks: localTracks(t),
		OnClosed:    func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	defer sess.Close()

	stack.hub.TeardownRoom(room.ID)

	select {
	case err := <-closed:
		if !errors.Is(err, ErrRoomDeleted) {
			t.Fatalf("OnClosed(%v), want ErrRoomDeleted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session never closed after teardown")
	}
}

func TestSessionJoinRejected(t *testing.T) {
	stack := newCallStack(t)

	_, err := JoinRoom(context.Background(), stack.wsURL, "aaaa-bbbb-cccc", SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "join rejected") {
		t.Fatalf("err = %v, want join rejection", err)
	}
}

func localTracks(t *testing.T) []webrtc.TrackLocal {
	t.Helper()
	return []webrtc.TrackLocal{videoTrack(t)}
}

func waitForLink(t *testing.T, mgr *Manager, peerID string) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if link := mgr.Link(peerID); link != nil && link.State() == StateConnected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	link := mgr.Link(peerID)
	if link == nil {
		t.Fatalf("no link to %s", peerID)
	}
	t.Fatalf("link to %s state = %v, want connected", peerID, link.State())
}
