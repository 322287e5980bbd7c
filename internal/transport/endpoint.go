package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultEndpoint is the local development server.
const DefaultEndpoint = "ws://127.0.0.1:4001/socket"

// ResolveEndpoint returns endpoint when it carries a network scheme
// (ws, wss, http or https), otherwise fallback. An empty fallback means
// DefaultEndpoint.
func ResolveEndpoint(endpoint, fallback string) string {
	if fallback == "" {
		fallback = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fallback
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
		return endpoint
	}
	return fallback
}

// DialURL builds the WebSocket URL for endpoint: http(s) is mapped to ws(s),
// "/websocket" is appended and the token, protocol version and any extra
// params are added to the query string.
func DialURL(endpoint, token string, params map[string]string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("token", token)
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
