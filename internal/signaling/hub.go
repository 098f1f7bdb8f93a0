package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videokall/videokall/internal/config"
	"github.com/videokall/videokall/internal/metrics"
	"github.com/videokall/videokall/internal/registry"
)

const registryTimeout = 5 * time.Second

// Metric names exposed via /metrics.
const (
	MetricConnections  = "signaling_connections_total"
	MetricJoins        = "signaling_joins_total"
	MetricRelayed      = "signaling_messages_relayed_total"
	MetricRelayDropped = "signaling_relay_dropped_total"
	MetricElections    = "signaling_host_elections_total"
)

// liveRoom is the ephemeral state of a room with at least one participant.
// The participant slice preserves insertion order; the first entry after any
// host departure is the election winner.
type liveRoom struct {
	id           string
	name         string
	participants []*Client
	hostID       string
}

func (r *liveRoom) find(participantID string) *Client {
	for _, p := range r.participants {
		if p.id == participantID {
			return p
		}
	}
	return nil
}

func (r *liveRoom) remove(c *Client) {
	for i, p := range r.participants {
		if p == c {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return
		}
	}
}

// Hub owns all live-room state. Every mutation runs as an op on the single
// Run goroutine, so handlers never race and each runs to completion before
// the next starts.
type Hub struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics

	ops      chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Accessed only from the Run goroutine.
	rooms map[string]*liveRoom
}

func NewHub(cfg config.Config, logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		ops:      make(chan func(), 128),
		done:     make(chan struct{}),
		rooms:    make(map[string]*liveRoom),
	}
}

// Run processes ops until Close. It must run on exactly one goroutine.
func (h *Hub) Run() {
	for {
		select {
		case op := <-h.ops:
			op()
		case <-h.done:
			for _, room := range h.rooms {
				for _, p := range room.participants {
					h.dropParticipant(p)
				}
			}
			h.rooms = make(map[string]*liveRoom)
			return
		}
	}
}

// Close stops the Run loop; all live participants are disconnected.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) submit(op func()) {
	select {
	case h.ops <- op:
	case <-h.done:
	}
}

func (h *Hub) join(c *Client, rawRoomID string) {
	h.submit(func() { h.handleJoin(c, rawRoomID) })
}

func (h *Hub) leave(c *Client) {
	h.submit(func() { h.handleLeave(c) })
}

func (h *Hub) relay(c *Client, msgType, targetID string, data json.RawMessage) {
	h.submit(func() { h.handleRelay(c, msgType, targetID, data) })
}

func (h *Hub) disconnect(c *Client) {
	h.submit(func() { h.handleDisconnect(c) })
}

func (h *Hub) sendError(c *Client, message string) {
	h.submit(func() { h.push(c, errorMessage{Type: TypeError, Message: message}) })
}

// TeardownRoom disconnects every participant of a live room after sending
// them room-deleted. Called by the admin API after the registry row is gone;
// a no-op when the room has no live participants.
func (h *Hub) TeardownRoom(roomID string) {
	h.submit(func() { h.handleTeardown(roomID) })
}

// RoomCount reports the number of rooms with live participants.
func (h *Hub) RoomCount() int {
	out := make(chan int, 1)
	h.submit(func() { out <- len(h.rooms) })
	select {
	case n := <-out:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) handleJoin(c *Client, rawRoomID string) {
	if c.gone {
		return
	}
	if c.id != "" {
		h.push(c, errorMessage{Type: TypeError, Message: "Already in a room"})
		return
	}

	roomID := registry.NormalizeRoomID(rawRoomID)
	if !registry.ValidRoomID(roomID) {
		h.push(c, errorMessage{Type: TypeError, Message: "Invalid room ID"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	room, ok, err := h.registry.GetRoom(ctx, roomID)
	cancel()
	if err != nil {
		h.logger.Error("room lookup failed", "room_id", roomID, "err", err)
		h.push(c, errorMessage{Type: TypeError, Message: "Internal error, try again"})
		return
	}
	if !ok {
		h.push(c, errorMessage{Type: TypeError, Message: "Room not found. Please check the room ID."})
		return
	}

	lr := h.rooms[roomID]
	if lr == nil {
		lr = &liveRoom{id: roomID, name: room.Name}
		h.rooms[roomID] = lr
	}

	c.id = uuid.NewString()
	c.roomID = roomID

	existing := make([]string, 0, len(lr.participants))
	for _, p := range lr.participants {
		existing = append(existing, p.id)
	}

	lr.participants = append(lr.participants, c)
	isHost := lr.hostID == ""
	if isHost {
		lr.hostID = c.id
	}

	h.push(c, roomJoinedMessage{
		Type:                 TypeRoomJoined,
		ParticipantID:        c.id,
		IsHost:               isHost,
		RoomName:             lr.name,
		ExistingParticipants: existing,
		ICEServers:           h.cfg.ICEServers,
	})
	for _, p := range lr.participants {
		if p != c {
			h.push(p, participantJoinedMessage{Type: TypeParticipantJoined, ParticipantID: c.id})
		}
	}

	h.metrics.Inc(MetricJoins)
	h.logger.Info("participant joined",
		"room_id", roomID, "participant_id", c.id, "is_host", isHost,
		"participants", len(lr.participants))
}

func (h *Hub) handleRelay(c *Client, msgType, targetID string, data json.RawMessage) {
	if c.gone {
		return
	}
	lr := h.rooms[c.roomID]
	if c.id == "" || lr == nil {
		h.push(c, errorMessage{Type: TypeError, Message: "Not in a room"})
		return
	}

	msg := relayedSignalMessage{Type: msgType, Data: data, FromID: c.id}

	if targetID != "" {
		target := lr.find(targetID)
		if target == nil {
			// Fire and forget: the target raced a departure. The sender's
			// peer link will fail on its own timeout.
			h.metrics.Inc(MetricRelayDropped)
			return
		}
		h.push(target, msg)
		h.metrics.Inc(MetricRelayed)
		return
	}

	for _, p := range lr.participants {
		if p != c {
			h.push(p, msg)
		}
	}
	h.metrics.Inc(MetricRelayed)
}

func (h *Hub) handleLeave(c *Client) {
	h.removeFromRoom(c)
	c.id = ""
	c.roomID = ""
}

func (h *Hub) handleDisconnect(c *Client) {
	if c.gone {
		return
	}
	h.removeFromRoom(c)
	h.dropParticipant(c)
}

// removeFromRoom takes c out of its room, notifies survivors, and elects a
// new host when the departing participant held the role. The election and
// its announcements happen here, before any later op runs.
func (h *Hub) removeFromRoom(c *Client) {
	lr := h.rooms[c.roomID]
	if c.id == "" || lr == nil {
		return
	}

	lr.remove(c)

	if len(lr.participants) == 0 {
		delete(h.rooms, lr.id)
		h.logger.Info("room now empty", "room_id", lr.id)
		return
	}

	for _, p := range lr.participants {
		h.push(p, participantLeftMessage{Type: TypeParticipantLeft, ParticipantID: c.id})
	}

	if lr.hostID == c.id {
		next := lr.participants[0]
		lr.hostID = next.id
		h.push(next, youAreHostMessage{Type: TypeYouAreHost})
		for _, p := range lr.participants[1:] {
			h.push(p, newHostMessage{Type: TypeNewHost, HostID: next.id})
		}
		h.metrics.Inc(MetricElections)
		h.logger.Info("host changed", "room_id", lr.id, "host_id", next.id)
	}

	h.logger.Info("participant left",
		"room_id", lr.id, "participant_id", c.id, "participants", len(lr.participants))
}

func (h *Hub) handleTeardown(roomID string) {
	lr := h.rooms[roomID]
	if lr == nil {
		return
	}
	for _, p := range lr.participants {
		h.push(p, roomDeletedMessage{Type: TypeRoomDeleted})
		h.dropParticipant(p)
	}
	delete(h.rooms, roomID)
	h.logger.Info("room torn down", "room_id", roomID, "participants", len(lr.participants))
}

// dropParticipant finalizes a participant: the closed send channel makes the
// write pump emit a close frame and shut the socket.
func (h *Hub) dropParticipant(c *Client) {
	if c.gone {
		return
	}
	c.gone = true
	close(c.send)
}

// push enqueues an encoded envelope. A participant whose buffer is full is
// treated as dead: the socket is closed and the read pump funnels it into
// the disconnect path.
func (h *Hub) push(c *Client, v any) {
	if c.gone {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode envelope", "err", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("send buffer full, closing connection", "participant_id", c.id)
		c.conn.Close()
	}
}
