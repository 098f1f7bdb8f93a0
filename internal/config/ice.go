package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VIDEOKALL_ICE_SERVERS_JSON"

	envStunURLs       = "VIDEOKALL_STUN_URLS"
	envTurnURLs       = "VIDEOKALL_TURN_URLS"
	envTurnUsername   = "VIDEOKALL_TURN_USERNAME"
	envTurnCredential = "VIDEOKALL_TURN_CREDENTIAL"
	envTurnTLSEnabled = "VIDEOKALL_TURN_TLS_ENABLED"
)

// DefaultSTUNURLs are advertised when no ICE servers are configured, so calls
// across home NATs work out of the box.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServer is one relay-assist (STUN/TURN) entry as sent to clients at join
// time. Credential is a plain string rather than pion's interface-typed field
// so the wire encoding is unambiguous in both directions.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s ICEServer) ToWebRTC() webrtc.ICEServer {
	out := webrtc.ICEServer{
		URLs:     s.URLs,
		Username: s.Username,
	}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

// ToWebRTCICEServers converts a configured server list into pion's type for
// constructing PeerConnections.
func ToWebRTCICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ToWebRTC())
	}
	return out
}

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnTLS bool) ([]ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	iceServers, err := ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnTLS)
	if err != nil {
		return nil, err
	}
	return iceServers, nil
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// ParseICEServersJSON parses and validates VIDEOKALL_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}

		parsed := ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: strings.TrimSpace(server.Credential),
		}

		if err := validateICEServer(parsed); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// convenience env vars. The URL lists are comma-separated.
//
// When nothing is configured, the default public STUN servers are used. When
// turnTLS is set, a turns: variant of every plain turn: URL is advertised as
// well (TLS TURN listens on 5349 by convention).
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnTLS bool) ([]ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	if len(stunList) == 0 {
		stunList = append([]string(nil), DefaultSTUNURLs...)
	}

	var servers []ICEServer
	server := ICEServer{URLs: stunList}
	if err := validateICEServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envStunURLs, err)
	}
	servers = append(servers, server)

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		if turnTLS {
			turnList = append(turnList, turnsVariants(turnList)...)
		}

		server := ICEServer{
			URLs:       turnList,
			Username:   turnUsername,
			Credential: turnCredential,
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func turnsVariants(turnURLs []string) []string {
	var out []string
	for _, url := range turnURLs {
		if !strings.HasPrefix(url, "turn:") {
			continue
		}
		turns := "turns:" + strings.TrimPrefix(url, "turn:")
		turns = strings.Replace(turns, ":3478", ":5349", 1)
		out = append(out, turns)
	}
	return out
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		if strings.TrimSpace(server.Credential) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
