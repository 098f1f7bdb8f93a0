package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []ICEServer
		wantErr string
	}{
		{
			name: "single stun with string urls",
			raw:  `[{"urls":"stun:stun.example.com:3478"}]`,
			want: []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		},
		{
			name: "turn with credentials",
			raw:  `[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]`,
			want: []ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"}},
		},
		{
			name:    "turn without credentials",
			raw:     `[{"urls":["turn:turn.example.com:3478"]}]`,
			wantErr: "require username",
		},
		{
			name:    "unsupported scheme",
			raw:     `[{"urls":["http://example.com"]}]`,
			wantErr: "unsupported url scheme",
		},
		{
			name:    "missing urls",
			raw:     `[{"username":"u"}]`,
			wantErr: "missing urls",
		},
		{
			name:    "not json",
			raw:     `nope`,
			wantErr: "invalid character",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseICEServersJSON(tt.raw)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got %+v", tt.wantErr, got)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseICEServersJSON: %v", err)
			}
			assertICEServersEqual(t, got, tt.want)
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Run("defaults to public stun", func(t *testing.T) {
		got, err := ParseICEServersFromConvenienceEnv("", "", "", "", false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		assertICEServersEqual(t, got, []ICEServer{{URLs: DefaultSTUNURLs}})
	})

	t.Run("stun and turn", func(t *testing.T) {
		got, err := ParseICEServersFromConvenienceEnv(
			"stun:stun.example.com:3478",
			"turn:turn.example.com:3478",
			"user", "secret", false,
		)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		assertICEServersEqual(t, got, []ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "secret"},
		})
	})

	t.Run("turn tls adds turns variant on 5349", func(t *testing.T) {
		got, err := ParseICEServersFromConvenienceEnv(
			"", "turn:turn.example.com:3478", "user", "secret", true,
		)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d servers, want 2", len(got))
		}
		turn := got[1]
		wantURLs := []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"}
		if len(turn.URLs) != len(wantURLs) {
			t.Fatalf("turn URLs = %v, want %v", turn.URLs, wantURLs)
		}
		for i := range wantURLs {
			if turn.URLs[i] != wantURLs[i] {
				t.Errorf("turn URLs[%d] = %q, want %q", i, turn.URLs[i], wantURLs[i])
			}
		}
	})

	t.Run("turn requires both username and credential", func(t *testing.T) {
		if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "user", "", false); err == nil {
			t.Fatalf("expected error for missing credential")
		}
		if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "", "secret", false); err == nil {
			t.Fatalf("expected error for missing username")
		}
	})
}

func TestToWebRTCICEServers(t *testing.T) {
	servers := []ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
	}
	got := ToWebRTCICEServers(servers)
	if len(got) != 2 {
		t.Fatalf("got %d servers, want 2", len(got))
	}
	if got[0].Credential != nil {
		t.Errorf("stun credential = %v, want nil", got[0].Credential)
	}
	if got[1].Username != "u" {
		t.Errorf("turn username = %q, want u", got[1].Username)
	}
	if cred, ok := got[1].Credential.(string); !ok || cred != "c" {
		t.Errorf("turn credential = %v, want %q", got[1].Credential, "c")
	}
}

func assertICEServersEqual(t *testing.T, got, want []ICEServer) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d servers, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if len(got[i].URLs) != len(want[i].URLs) {
			t.Fatalf("servers[%d].URLs = %v, want %v", i, got[i].URLs, want[i].URLs)
		}
		for j := range want[i].URLs {
			if got[i].URLs[j] != want[i].URLs[j] {
				t.Errorf("servers[%d].URLs[%d] = %q, want %q", i, j, got[i].URLs[j], want[i].URLs[j])
			}
		}
		if got[i].Username != want[i].Username {
			t.Errorf("servers[%d].Username = %q, want %q", i, got[i].Username, want[i].Username)
		}
		if got[i].Credential != want[i].Credential {
			t.Errorf("servers[%d].Credential = %q, want %q", i, got[i].Credential, want[i].Credential)
		}
	}
}
