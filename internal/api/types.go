package api

import (
	"time"

	"github.com/mattjoyce/fleet-agent/internal/credentials"
)

// credentialProcessVersion is the output version the AWS credential_process
// contract requires.
const credentialProcessVersion = 1

// UpdateStatusRequest is the JSON body for PUT /executions/{id}/status.
type UpdateStatusRequest struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// CredentialsResponse is returned by POST /executions/{id}/s3-token in the
// shape a credential_process helper must print.
type CredentialsResponse struct {
	Version         int       `json:"Version"`
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"SessionToken"`
	Expiration      time.Time `json:"Expiration"`
}

func newCredentialsResponse(c credentials.Credentials) CredentialsResponse {
	return CredentialsResponse{
		Version:         credentialProcessVersion,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Expiration:      c.Expiration.UTC(),
	}
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Executions    int    `json:"executions"`
	ChannelOpen   bool   `json:"channel_open"`
}

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	AgentEndpoint string `json:"agent_endpoint"`
	AgentVersion  string `json:"agent_version"`
	AgentID       string `json:"agent_id"`
}
