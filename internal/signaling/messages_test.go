package signaling

import (
	"strings"
	"testing"
)

func TestParseClientMessage_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientMessage
	}{
		{
			name: "join room",
			raw:  `{"type":"join-room","roomId":"abcd-1234-wxyz"}`,
			want: ClientMessage{Type: TypeJoinRoom, RoomID: "abcd-1234-wxyz"},
		},
		{
			name: "leave room",
			raw:  `{"type":"leave-room"}`,
			want: ClientMessage{Type: TypeLeaveRoom},
		},
		{
			name: "targeted offer",
			raw:  `{"type":"offer","targetId":"p1","data":{"type":"offer","sdp":"v=0"}}`,
			want: ClientMessage{Type: TypeOffer, TargetID: "p1"},
		},
		{
			name: "broadcast answer",
			raw:  `{"type":"answer","data":{"type":"answer","sdp":"v=0"}}`,
			want: ClientMessage{Type: TypeAnswer},
		},
		{
			name: "ice candidate",
			raw:  `{"type":"ice-candidate","targetId":"p2","data":{"candidate":"candidate:1"}}`,
			want: ClientMessage{Type: TypeICECandidate, TargetID: "p2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage: %v", err)
			}
			if got.Type != tt.want.Type {
				t.Errorf("Type = %q, want %q", got.Type, tt.want.Type)
			}
			if got.RoomID != tt.want.RoomID {
				t.Errorf("RoomID = %q, want %q", got.RoomID, tt.want.RoomID)
			}
			if got.TargetID != tt.want.TargetID {
				t.Errorf("TargetID = %q, want %q", got.TargetID, tt.want.TargetID)
			}
		})
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `nope`},
		{"missing type", `{"roomId":"abcd-1234-wxyz"}`},
		{"unsupported type", `{"type":"shrug"}`},
		{"unknown field", `{"type":"leave-room","extra":1}`},
		{"trailing data", `{"type":"leave-room"}{"type":"leave-room"}`},
		{"join without room", `{"type":"join-room"}`},
		{"join with data", `{"type":"join-room","roomId":"abcd-1234-wxyz","data":{}}`},
		{"leave with room", `{"type":"leave-room","roomId":"abcd-1234-wxyz"}`},
		{"offer without data", `{"type":"offer","targetId":"p1"}`},
		{"offer with room", `{"type":"offer","roomId":"abcd-1234-wxyz","data":{}}`},
		{"candidate without data", `{"type":"ice-candidate"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.raw)); err == nil {
				t.Fatalf("expected error for %q", tt.raw)
			}
		})
	}
}

func TestParseServerEvent(t *testing.T) {
	raw := `{"type":"room-joined","participantId":"p1","isHost":true,` +
		`"roomName":"Family","existingParticipants":[],` +
		`"iceServers":[{"urls":["stun:stun.example.com:3478"]}],"futureField":1}`

	ev, err := ParseServerEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}
	if ev.Type != TypeRoomJoined {
		t.Errorf("Type = %q, want %q", ev.Type, TypeRoomJoined)
	}
	if ev.ParticipantID != "p1" || !ev.IsHost || ev.RoomName != "Family" {
		t.Errorf("unexpected fields: %+v", ev)
	}
	if ev.ExistingParticipants == nil || len(ev.ExistingParticipants) != 0 {
		t.Errorf("ExistingParticipants = %v, want empty non-nil", ev.ExistingParticipants)
	}
	if len(ev.ICEServers) != 1 {
		t.Errorf("ICEServers = %v, want one entry", ev.ICEServers)
	}

	if _, err := ParseServerEvent([]byte(`{"message":"no type"}`)); err == nil {
		t.Fatalf("expected error for event without type")
	}
	if _, err := ParseServerEvent([]byte(`nope`)); err == nil ||
		!strings.Contains(err.Error(), "invalid character") {
		t.Fatalf("expected decode error, got %v", err)
	}
}
