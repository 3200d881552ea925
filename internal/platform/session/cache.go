package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingIssuer remembers credentials per (channel, participant) so a
// participant fetching credentials again reuses the one already minted.
// Entries expire ahead of the token so a cached credential is never stale.
type CachingIssuer struct {
	next  Issuer
	cache *expirable.LRU[string, *Credential]
	now   func() time.Time
	// margin is the minimum remaining lifetime for a cached credential.
	margin time.Duration
}

func NewCachingIssuer(next Issuer, size int, tokenTTL time.Duration) *CachingIssuer {
	if size <= 0 {
		size = 1024
	}
	return &CachingIssuer{
		next:   next,
		cache:  expirable.NewLRU[string, *Credential](size, nil, tokenTTL*9/10),
		now:    time.Now,
		margin: tokenTTL / 10,
	}
}

func cacheKey(channelID, participantID string) string {
	return channelID + "\x00" + participantID
}

func (c *CachingIssuer) IssueCredential(ctx context.Context, channelID, participantID string) (*Credential, error) {
	key := cacheKey(channelID, participantID)
	if cred, ok := c.cache.Get(key); ok && cred.ExpiresAt.Sub(c.now()) > c.margin {
		return cred, nil
	}

	cred, err := c.next.IssueCredential(ctx, channelID, participantID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cred)
	return cred, nil
}

// Remember seeds the cache, e.g. with a credential loaded from storage.
func (c *CachingIssuer) Remember(channelID, participantID string, cred *Credential) {
	if cred == nil || cred.ExpiresAt.Sub(c.now()) <= c.margin {
		return
	}
	c.cache.Add(cacheKey(channelID, participantID), cred)
}

// Forget drops a cached credential.
func (c *CachingIssuer) Forget(channelID, participantID string) {
	c.cache.Remove(cacheKey(channelID, participantID))
}

func (c *CachingIssuer) Len() int {
	return c.cache.Len()
}
