package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const tokenEarlyExpiry = time.Minute

var (
	// ErrUnauthorized means the service rejected the agent's credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest means the service rejected the request as malformed.
	ErrBadRequest = errors.New("bad request")
)

// statusError maps a non-2xx response to an error.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, resp.Status, detail)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, detail)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, detail)
}

// wsTokenSource fetches channel-auth tokens. It is wrapped in a reuse
// source so a fetched token serves every connect until shortly before its
// exp claim.
type wsTokenSource struct {
	ctx    context.Context
	client *http.Client
	info   ConnectionInfo
}

func newTokenSource(ctx context.Context, client *http.Client, info ConnectionInfo) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, &wsTokenSource{ctx: ctx, client: client, info: info}, tokenEarlyExpiry)
}

func (s *wsTokenSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.info.TokenURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.info.AgentToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.info.AgentToken)
	}
	if s.info.UserAgent != "" {
		req.Header.Set("User-Agent", s.info.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch channel token: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("fetch channel token: %w", err)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode channel token: %w", err)
	}
	if body.Token == "" {
		return nil, errors.New("channel token response is empty")
	}

	return &oauth2.Token{
		AccessToken: body.Token,
		TokenType:   "Bearer",
		Expiry:      jwtExpiry(body.Token),
	}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only ever presented back to its issuer. A token without a readable exp
// gets a zero expiry and is reused until the service rejects it.
func jwtExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp json.Number `json:"exp"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.Exp.Int64()
	if err != nil {
		return time.Time{}
	}
	return time.Unix(exp, 0)
}
