package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ConnectionInfo locates the orchestration service for one agent.
type ConnectionInfo struct {
	// BaseURL is the service root the control socket hangs off.
	BaseURL string
	// TokenBaseURL serves channel-auth tokens. It may differ from BaseURL
	// when the socket is fronted by a proxy that cannot authenticate.
	TokenBaseURL string
	AgentID      string
	// AgentToken authenticates the agent to the token endpoint.
	AgentToken string
	UserAgent  string
	Region     string
}

// TokenURL is where channel-auth tokens are requested.
func (c ConnectionInfo) TokenURL() string {
	return fmt.Sprintf("%s/api/agents/%s/ws-token", strings.TrimRight(c.TokenBaseURL, "/"), url.PathEscape(c.AgentID))
}

// SocketURL is the websocket endpoint, with http(s) mapped to ws(s).
func (c ConnectionInfo) SocketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base url %q must be http(s) or ws(s)", c.BaseURL)
	}
	u.Path += "/api/agents/" + url.PathEscape(c.AgentID) + "/ws"
	return u.String(), nil
}

// SystemInfo is the service's self-description.
type SystemInfo struct {
	AgentEndpoint string `json:"agentEndpoint"`
	Region        string `json:"region"`
}

// FetchSystemInfo asks the service where agents should fetch channel tokens.
func FetchSystemInfo(ctx context.Context, client *http.Client, baseURL, userAgent string) (SystemInfo, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/info/system"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SystemInfo{}, fmt.Errorf("build system info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return SystemInfo{}, fmt.Errorf("fetch system info: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return SystemInfo{}, fmt.Errorf("fetch system info: %w", err)
	}

	var info SystemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return SystemInfo{}, fmt.Errorf("decode system info: %w", err)
	}
	if strings.TrimSpace(info.AgentEndpoint) == "" {
		return SystemInfo{}, errors.New("system info response has no agentEndpoint")
	}
	return info, nil
}

// ResolveConnectionInfo queries the service and fills in the token endpoint
// and region.
func ResolveConnectionInfo(ctx context.Context, client *http.Client, info ConnectionInfo) (ConnectionInfo, error) {
	sys, err := FetchSystemInfo(ctx, client, info.BaseURL, info.UserAgent)
	if err != nil {
		return info, err
	}
	info.TokenBaseURL = sys.AgentEndpoint
	if info.Region == "" {
		info.Region = sys.Region
	}
	return info, nil
}
