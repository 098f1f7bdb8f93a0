package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/videokall/videokall/internal/config"
	"github.com/videokall/videokall/internal/metrics"
	"github.com/videokall/videokall/internal/registry"
)

func testConfig() config.Config {
	return config.Config{
		Mode:                          config.ModeDev,
		SignalingPingInterval:         30 * time.Second,
		SignalingPongTimeout:          60 * time.Second,
		SignalingWriteTimeout:         5 * time.Second,
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
		SignalingSendBuffer:           config.DefaultSignalingSendBuffer,
		ICEServers: []config.ICEServer{
			{URLs: config.DefaultSTUNURLs},
		},
	}
}

type testStack struct {
	ts  *httptest.Server
	reg *registry.Registry
	hub *Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	m := metrics.New()
	hub := NewHub(cfg, logger, reg, m)
	go hub.Run()

	ts := httptest.NewServer(NewServer(cfg, hub, logger, m))
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		reg.Close()
	})

	return &testStack{ts: ts, reg: reg, hub: hub}
}

func (s *testStack) createRoom(t *testing.T, name string) registry.Room {
	t.Helper()
	room, err := s.reg.CreateRoom(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func (s *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) ServerEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := ParseServerEvent(data)
	if err != nil {
		t.Fatalf("parse server event %q: %v", data, err)
	}
	return ev
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) ServerEvent {
	t.Helper()
	send(t, conn, ClientMessage{Type: TypeJoinRoom, RoomID: roomID})
	ev := readEvent(t, conn)
	if ev.Type != TypeRoomJoined {
		t.Fatalf("join reply = %+v, want room-joined", ev)
	}
	return ev
}

func TestJoinFlow(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "Family Call")

	a := s.dial(t)
	joinedA := joinRoom(t, a, room.ID)
	if !joinedA.IsHost {
		t.Errorf("first joiner is not host")
	}
	if joinedA.ParticipantID == "" {
		t.Errorf("missing participant ID")
	}
	if joinedA.RoomName != "Family Call" {
		t.Errorf("RoomName = %q", joinedA.RoomName)
	}
	if len(joinedA.ExistingParticipants) != 0 {
		t.Errorf("ExistingParticipants = %v, want empty", joinedA.ExistingParticipants)
	}
	if len(joinedA.ICEServers) == 0 {
		t.Errorf("room-joined carries no ICE servers")
	}

	b := s.dial(t)
	joinedB := joinRoom(t, b, room.ID)
	if joinedB.IsHost {
		t.Errorf("second joiner claims host")
	}
	if len(joinedB.ExistingParticipants) != 1 || joinedB.ExistingParticipants[0] != joinedA.ParticipantID {
		t.Errorf("ExistingParticipants = %v, want [%s]", joinedB.ExistingParticipants, joinedA.ParticipantID)
	}

	notice := readEvent(t, a)
	if notice.Type != TypeParticipantJoined || notice.ParticipantID != joinedB.ParticipantID {
		t.Errorf("host notice = %+v, want participant-joined for B", notice)
	}
}

func TestJoinNormalizesRoomID(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "normalize")

	conn := s.dial(t)
	ev := joinRoom(t, conn, "  "+strings.ToUpper(room.ID)+"  ")
	if ev.RoomName != "normalize" {
		t.Errorf("RoomName = %q", ev.RoomName)
	}
}

func TestJoinErrors(t *testing.T) {
	s := newTestStack(t)

	t.Run("invalid room id", func(t *testing.T) {
		conn := s.dial(t)
		send(t, conn, ClientMessage{Type: TypeJoinRoom, RoomID: "not-a-room"})
		ev := readEvent(t, conn)
		if ev.Type != TypeError || !strings.Contains(ev.Message, "Invalid room ID") {
			t.Errorf("reply = %+v, want invalid room ID error", ev)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		conn := s.dial(t)
		send(t, conn, ClientMessage{Type: TypeJoinRoom, RoomID: "aaaa-bbbb-cccc"})
		ev := readEvent(t, conn)
		if ev.Type != TypeError || !strings.Contains(ev.Message, "Room not found") {
			t.Errorf("reply = %+v, want room not found error", ev)
		}
	})

	t.Run("double join", func(t *testing.T) {
		room := s.createRoom(t, "double")
		conn := s.dial(t)
		joinRoom(t, conn, room.ID)
		send(t, conn, ClientMessage{Type: TypeJoinRoom, RoomID: room.ID})
		ev := readEvent(t, conn)
		if ev.Type != TypeError {
			t.Errorf("reply = %+v, want error", ev)
		}
	})
}

func TestTargetedRelay(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "relay")

	a := s.dial(t)
	joinedA := joinRoom(t, a, room.ID)
	b := s.dial(t)
	joinedB := joinRoom(t, b, room.ID)
	readEvent(t, a) // participant-joined B
	c := s.dial(t)
	joinRoom(t, c, room.ID)
	readEvent(t, a) // participant-joined C
	readEvent(t, b) // participant-joined C

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	send(t, b, ClientMessage{Type: TypeOffer, TargetID: joinedA.ParticipantID, Data: offer})

	got := readEvent(t, a)
	if got.Type != TypeOffer {
		t.Fatalf("Type = %q, want offer", got.Type)
	}
	if got.FromID != joinedB.ParticipantID {
		t.Errorf("FromID = %q, want %q", got.FromID, joinedB.ParticipantID)
	}
	if string(got.Data) != string(offer) {
		t.Errorf("Data = %s, want %s", got.Data, offer)
	}

	// C must not see the targeted offer. A follow-up broadcast arriving
	// first on C's socket proves the relay was targeted.
	send(t, b, ClientMessage{Type: TypeAnswer, Data: json.RawMessage(`{"probe":1}`)})
	probe := readEvent(t, c)
	if probe.Type != TypeAnswer {
		t.Fatalf("C received %+v before broadcast probe", probe)
	}
}

func TestRelayToMissingTargetIsDropped(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "drop")

	a := s.dial(t)
	joinedA := joinRoom(t, a, room.ID)
	b := s.dial(t)
	joinRoom(t, b, room.ID)
	readEvent(t, a) // participant-joined B

	send(t, b, ClientMessage{Type: TypeICECandidate, TargetID: "no-such-id", Data: json.RawMessage(`{"candidate":"x"}`)})
	send(t, b, ClientMessage{Type: TypeICECandidate, TargetID: joinedA.ParticipantID, Data: json.RawMessage(`{"candidate":"y"}`)})

	got := readEvent(t, a)
	if got.Type != TypeICECandidate || !strings.Contains(string(got.Data), `"y"`) {
		t.Fatalf("got %+v, want only the second candidate", got)
	}
}

func TestRelayBeforeJoin(t *testing.T) {
	s := newTestStack(t)

	conn := s.dial(t)
	send(t, conn, ClientMessage{Type: TypeOffer, Data: json.RawMessage(`{}`)})
	ev := readEvent(t, conn)
	if ev.Type != TypeError {
		t.Fatalf("reply = %+v, want error", ev)
	}
}

func TestHostFailover(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "failover")

	a := s.dial(t)
	joinRoom(t, a, room.ID)
	b := s.dial(t)
	joinedB := joinRoom(t, b, room.ID)
	readEvent(t, a)
	c := s.dial(t)
	joinRoom(t, c, room.ID)
	readEvent(t, a)
	readEvent(t, b)

	// The host drops without a leave-room message.
	a.Close()

	left := readEvent(t, b)
	if left.Type != TypeParticipantLeft {
		t.Fatalf("B got %+v, want participant-left", left)
	}
	promoted := readEvent(t, b)
	if promoted.Type != TypeYouAreHost {
		t.Fatalf("B got %+v, want you-are-host", promoted)
	}

	readEvent(t, c) // participant-left A
	announced := readEvent(t, c)
	if announced.Type != TypeNewHost || announced.HostID != joinedB.ParticipantID {
		t.Fatalf("C got %+v, want new-host %q", announced, joinedB.ParticipantID)
	}
}

func TestLeaveAndRejoin(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "rejoin")

	a := s.dial(t)
	joinRoom(t, a, room.ID)
	b := s.dial(t)
	joinedB := joinRoom(t, b, room.ID)
	readEvent(t, a)

	send(t, b, ClientMessage{Type: TypeLeaveRoom})

	left := readEvent(t, a)
	if left.Type != TypeParticipantLeft || left.ParticipantID != joinedB.ParticipantID {
		t.Fatalf("A got %+v, want participant-left for B", left)
	}

	// The connection survives leave-room; B can join again with a new
	// identity.
	rejoined := joinRoom(t, b, room.ID)
	if rejoined.ParticipantID == joinedB.ParticipantID {
		t.Errorf("rejoin reused participant ID %q", rejoined.ParticipantID)
	}
	if rejoined.IsHost {
		t.Errorf("rejoining participant claims host while A is present")
	}
}

func TestLastLeaverFreesHostRole(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "empty-again")

	a := s.dial(t)
	joinRoom(t, a, room.ID)
	send(t, a, ClientMessage{Type: TypeLeaveRoom})

	// Deterministic: wait until the hub processed the departure.
	waitFor(t, func() bool { return s.hub.RoomCount() == 0 })

	b := s.dial(t)
	joinedB := joinRoom(t, b, room.ID)
	if !joinedB.IsHost {
		t.Errorf("joiner of an emptied room is not host")
	}
}

func TestTeardownRoom(t *testing.T) {
	s := newTestStack(t)
	room := s.createRoom(t, "doomed")

	a := s.dial(t)
	joinRoom(t, a, room.ID)
	b := s.dial(t)
	joinRoom(t, b, room.ID)
	readEvent(t, a)

	s.hub.TeardownRoom(room.ID)

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		ev := readEvent(t, conn)
		if ev.Type != TypeRoomDeleted {
			t.Fatalf("%s got %+v, want room-deleted", name, ev)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Fatalf("%s connection still open after teardown", name)
		}
	}

	if n := s.hub.RoomCount(); n != 0 {
		t.Errorf("RoomCount = %d after teardown, want 0", n)
	}
}

func TestInvalidEnvelopeGetsError(t *testing.T) {
	s := newTestStack(t)

	conn := s.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != TypeError {
		t.Fatalf("reply = %+v, want error", ev)
	}

	// The connection stays usable after a protocol error.
	room := s.createRoom(t, "after-error")
	joinRoom(t, conn, room.ID)
}

func TestRoomCount(t *testing.T) {
	s := newTestStack(t)
	room1 := s.createRoom(t, "one")
	room2 := s.createRoom(t, "two")

	if n := s.hub.RoomCount(); n != 0 {
		t.Fatalf("RoomCount = %d, want 0", n)
	}

	a := s.dial(t)
	joinRoom(t, a, room1.ID)
	b := s.dial(t)
	joinRoom(t, b, room2.ID)

	if n := s.hub.RoomCount(); n != 2 {
		t.Fatalf("RoomCount = %d, want 2", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}
