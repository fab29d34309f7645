package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	tokenPrefix = "fa1"

	// keyContext domain-separates the token key from any other use of the
	// configured secret.
	keyContext = "fleet-agent 2026-01-01 execution token v1"

	DefaultTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenInvalid  = errors.New("execution token is invalid")
	ErrTokenExpired  = errors.New("execution token is expired")
	ErrTokenMismatch = errors.New("execution token was issued for a different execution")
)

// Claims is the signed body of an execution token.
type Claims struct {
	ID        string `json:"jti"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenConfig configures a TokenService. An empty Secret makes the service
// generate a random key that lives only as long as the process.
type TokenConfig struct {
	AgentID string
	Secret  string
	TTL     time.Duration
}

// TokenService mints and validates execution-scoped bearer tokens. Tokens are
// "fa1.<claims>.<mac>" where mac is keyed BLAKE3 over "fa1.<claims>".
type TokenService struct {
	agentID string
	key     [32]byte
	ttl     time.Duration
	now     func() time.Time
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	agentID := strings.TrimSpace(cfg.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &TokenService{agentID: agentID, ttl: ttl, now: time.Now}
	if cfg.Secret != "" {
		blake3.DeriveKey(keyContext, []byte(cfg.Secret), s.key[:])
	} else if _, err := rand.Read(s.key[:]); err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	return s, nil
}

// IssueFor mints a token bound to executionID.
func (s *TokenService) IssueFor(executionID string) (string, error) {
	if strings.TrimSpace(executionID) == "" {
		return "", fmt.Errorf("execution id is required")
	}
	now := s.now().UTC()
	claims := Claims{
		ID:        uuid.NewString(),
		Issuer:    s.agentID,
		Subject:   executionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signed := tokenPrefix + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac, err := s.sign(signed)
	if err != nil {
		return "", err
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Validate checks the signature, issuer and expiry of token and that it was
// minted for executionID.
func (s *TokenService) Validate(token, executionID string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return Claims{}, ErrTokenInvalid
	}

	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	want, err := s.sign(parts[0] + "." + parts[1])
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return Claims{}, ErrTokenInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if claims.Issuer != s.agentID {
		return Claims{}, ErrTokenInvalid
	}
	if s.now().UTC().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	if claims.Subject != executionID {
		return Claims{}, ErrTokenMismatch
	}
	return claims, nil
}

func (s *TokenService) sign(data string) ([]byte, error) {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("init mac: %w", err)
	}
	_, _ = h.Write([]byte(data))
	return h.Sum(nil), nil
}
