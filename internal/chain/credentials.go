package chain

import (
	"sync"
	"time"
)

// CredentialCache holds the bearer token for the remote chain API. One
// instance is shared by every Client in the process.
type CredentialCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewCredentialCache returns an empty cache.
func NewCredentialCache() *CredentialCache {
	return &CredentialCache{now: time.Now}
}

// WithClock replaces the time source used for expiry checks.
func (c *CredentialCache) WithClock(now func() time.Time) *CredentialCache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Token returns the cached token, or ("", false) if absent or expired.
func (c *CredentialCache) Token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || !c.now().Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

// Store caches token for ttl.
func (c *CredentialCache) Store(token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.expiresAt = c.now().Add(ttl)
}

// Clear drops the cached token.
func (c *CredentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.expiresAt = time.Time{}
}
