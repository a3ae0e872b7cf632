package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICE server configuration handed out to browser clients. Either a full
// JSON document (MEET_ICE_SERVERS_JSON, matching the RTCIceServer shape) or
// the convenience STUN/TURN URL envs, never both.

const (
	envICEServersJSON = "MEET_ICE_SERVERS_JSON"
	envStunURLs       = "MEET_STUN_URLS"
	envTurnURLs       = "MEET_TURN_URLS"
	envTurnUsername   = "MEET_TURN_USERNAME"
	envTurnCredential = "MEET_TURN_CREDENTIAL"
)

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential string              `json:"credential"`
}

// stringOrStringSlice accepts both "stun:..." and ["stun:...", ...], the
// two forms RTCIceServer.urls takes in browser configs.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings")
	}
	*s = multi
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-style JSON array (or a single
// object) into pion ICE server configs.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []iceServerJSON
	if strings.HasPrefix(raw, "{") {
		var single iceServerJSON
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil, fmt.Errorf("parse ICE servers JSON: %w", err)
		}
		entries = []iceServerJSON{single}
	} else {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse ICE servers JSON: %w", err)
		}
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := validateICEURLs(entry.URLs)
		if err != nil {
			return nil, fmt.Errorf("ICE server %d: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls}
		if entry.Username != "" {
			server.Username = entry.Username
		}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func parseICEServersFromValues(iceJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	hasJSON := strings.TrimSpace(iceJSON) != ""
	hasConvenience := strings.TrimSpace(stunURLs) != "" || strings.TrimSpace(turnURLs) != ""

	if hasJSON && hasConvenience {
		return nil, fmt.Errorf("%s conflicts with %s/%s; set one or the other", envICEServersJSON, envStunURLs, envTurnURLs)
	}
	if hasJSON {
		return ParseICEServersJSON(iceJSON)
	}

	var servers []webrtc.ICEServer

	if urls := splitCommaList(stunURLs); len(urls) > 0 {
		validated, err := validateICEURLs(urls)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, webrtc.ICEServer{URLs: validated})
	}

	if urls := splitCommaList(turnURLs); len(urls) > 0 {
		validated, err := validateICEURLs(urls)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s and %s must both be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       validated,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	} else if strings.TrimSpace(turnUsername) != "" || strings.TrimSpace(turnCredential) != "" {
		return nil, fmt.Errorf("%s/%s set without %s", envTurnUsername, envTurnCredential, envTurnURLs)
	}

	return servers, nil
}

func validateICEURLs(urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one URL required")
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, fmt.Errorf("empty URL")
		}
		scheme, _, found := strings.Cut(u, ":")
		if !found {
			return nil, fmt.Errorf("URL %q has no scheme", u)
		}
		switch strings.ToLower(scheme) {
		case "stun", "stuns", "turn", "turns":
		default:
			return nil, fmt.Errorf("URL %q has unsupported scheme %q (expected stun, stuns, turn, or turns)", u, scheme)
		}
		out = append(out, u)
	}
	return out, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
