package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/videokall/videokall/internal/config"
)

// Client to server message types.
const (
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Server to client message types.
const (
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeYouAreHost        = "you-are-host"
	TypeNewHost           = "new-host"
	TypeRoomDeleted       = "room-deleted"
	TypeError             = "error"
)

// ClientMessage is the closed set of envelopes a client may send. Offer,
// answer and ice-candidate carry opaque payloads the server relays without
// inspection; TargetID selects a single recipient, empty means everyone else
// in the room.
type ClientMessage struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ParseClientMessage strictly decodes a single client envelope: unknown
// fields, trailing data, and per-type field mismatches are all errors.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if m.TargetID != "" || len(m.Data) > 0 {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case TypeLeaveRoom:
		if m.RoomID != "" || m.TargetID != "" || len(m.Data) > 0 {
			return fmt.Errorf("leave-room message has unexpected fields")
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if len(m.Data) == 0 {
			return fmt.Errorf("%s message missing data", m.Type)
		}
		if m.RoomID != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Server to client envelopes. One struct per type keeps required fields
// explicit (room-joined always carries isHost and existingParticipants, even
// when false/empty).

type roomJoinedMessage struct {
	Type                 string             `json:"type"`
	ParticipantID        string             `json:"participantId"`
	IsHost               bool               `json:"isHost"`
	RoomName             string             `json:"roomName"`
	ExistingParticipants []string           `json:"existingParticipants"`
	ICEServers           []config.ICEServer `json:"iceServers"`
}

type participantJoinedMessage struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

type participantLeftMessage struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// relayedSignalMessage wraps a forwarded offer/answer/ice-candidate with the
// sender's identity.
type relayedSignalMessage struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	FromID string          `json:"fromId"`
}

type youAreHostMessage struct {
	Type string `json:"type"`
}

type newHostMessage struct {
	Type   string `json:"type"`
	HostID string `json:"hostId"`
}

type roomDeletedMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerEvent is the decode-side union of every server envelope, used by
// clients of the signaling channel.
type ServerEvent struct {
	Type                 string             `json:"type"`
	ParticipantID        string             `json:"participantId,omitempty"`
	IsHost               bool               `json:"isHost,omitempty"`
	RoomName             string             `json:"roomName,omitempty"`
	ExistingParticipants []string           `json:"existingParticipants,omitempty"`
	ICEServers           []config.ICEServer `json:"iceServers,omitempty"`
	Data                 json.RawMessage    `json:"data,omitempty"`
	FromID               string             `json:"fromId,omitempty"`
	HostID               string             `json:"hostId,omitempty"`
	Message              string             `json:"message,omitempty"`
}

// ParseServerEvent decodes a server envelope. Unlike ParseClientMessage it
// tolerates unknown fields so older clients keep working when the server
// grows its payloads.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, err
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("server event missing type")
	}
	return ev, nil
}
