package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ChannelClaims are the claims carried by a locally signed session token.
type ChannelClaims struct {
	jwt.RegisteredClaims
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Role    string `json:"role"`
}

// JWTIssuer signs HS256 session tokens with a shared key that the video
// gateway verifies.
type JWTIssuer struct {
	appID string
	key   []byte
	ttl   time.Duration
	now   func() time.Time
}

// NewJWTIssuer returns an issuer signing with key. A nil key generates an
// ephemeral one, which only suits development.
func NewJWTIssuer(appID string, key []byte, ttl time.Duration) (*JWTIssuer, error) {
	if ttl <= 0 {
		return nil, errors.New("session token ttl must be positive")
	}
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session signing key: %w", err)
		}
	}
	return &JWTIssuer{appID: appID, key: key, ttl: ttl, now: time.Now}, nil
}

func (i *JWTIssuer) AppID() string { return i.appID }

func (i *JWTIssuer) IssueCredential(ctx context.Context, channelID, participantID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channelID == "" || participantID == "" {
		return nil, errors.New("channel and participant are required")
	}

	now := i.now()
	exp := now.Add(i.ttl)
	claims := ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AppID:   i.appID,
		Channel: channelID,
		Role:    "publisher",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Credential{Token: token, ExpiresAt: exp.UTC().Truncate(time.Second)}, nil
}

// Verify parses a token minted by this issuer.
func (i *JWTIssuer) Verify(token string) (*ChannelClaims, error) {
	claims := &ChannelClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
