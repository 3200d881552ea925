package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteIssuer requests credentials from an external token service:
//
//	POST {url}  {"app_id","channel","uid","ttl_seconds"}
//	200         {"token","expires_at"}
type RemoteIssuer struct {
	url    string
	appID  string
	ttl    time.Duration
	client *http.Client
}

func NewRemoteIssuer(url, appID string, ttl time.Duration) *RemoteIssuer {
	return &RemoteIssuer{
		url:    url,
		appID:  appID,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *RemoteIssuer) AppID() string { return r.appID }

type remoteRequest struct {
	AppID      string `json:"app_id"`
	Channel    string `json:"channel"`
	UID        string `json:"uid"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type remoteResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RemoteIssuer) IssueCredential(ctx context.Context, channelID, participantID string) (*Credential, error) {
	body, err := json.Marshal(remoteRequest{
		AppID:      r.appID,
		Channel:    channelID,
		UID:        participantID,
		TTLSeconds: int64(r.ttl / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("encode issue request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrIssuerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrIssuerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("issuer rejected request: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrIssuerUnavailable, err)
	}
	if out.Token == "" {
		return nil, errors.New("issuer returned an empty token")
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(r.ttl).UTC().Truncate(time.Second)
	}
	return &Credential{Token: out.Token, ExpiresAt: out.ExpiresAt}, nil
}
