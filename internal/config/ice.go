package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultSTUNURLs is advertised when no ICE servers are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var errTURNCredentials = errors.New("turn urls require username and credential")

// DefaultICEServers returns a fresh copy of the default ICE server list.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
}

// iceSettings holds the raw ICE flags. A JSON list wins over the
// STUN/TURN shorthand; with neither set the defaults apply.
type iceSettings struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(s.stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(s.turnURLs); len(urls) > 0 {
		server, err := newICEServer(urls, s.turnUsername, s.turnCredential)
		if errors.Is(err, errTURNCredentials) {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

// ParseICEServersJSON parses a list in the shape of RTCConfiguration.iceServers,
// where "urls" may be a single string or an array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		var urls []string
		if err := json.Unmarshal(entry.URLs, &urls); err != nil {
			var single string
			if json.Unmarshal(entry.URLs, &single) != nil {
				return nil, fmt.Errorf("iceServers[%d]: urls must be a string or an array of strings", i)
			}
			urls = []string{single}
		}
		server, err := newICEServer(urls, entry.Username, entry.Credential)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// newICEServer validates every URL with the STUN URI grammar. Pion refuses
// TURN servers without credentials, so they are rejected here too.
func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(username)}
	needsCredentials := false
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsCredentials = true
		}
		server.URLs = append(server.URLs, raw)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	credential = strings.TrimSpace(credential)
	if needsCredentials && (server.Username == "" || credential == "") {
		return webrtc.ICEServer{}, errTURNCredentials
	}
	if credential != "" {
		server.Credential = credential
	}
	return server, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
