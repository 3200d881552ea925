// Package session issues per-participant access credentials for a live
// video session channel.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrIssuerUnavailable marks transient failures. Callers may retry later.
var ErrIssuerUnavailable = errors.New("session credential issuer unavailable")

// Credential grants one participant access to one channel until ExpiresAt.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints a credential scoped to channelID for participantID.
type Issuer interface {
	IssueCredential(ctx context.Context, channelID, participantID string) (*Credential, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, channelID, participantID string) (*Credential, error)

func (f IssuerFunc) IssueCredential(ctx context.Context, channelID, participantID string) (*Credential, error) {
	return f(ctx, channelID, participantID)
}
