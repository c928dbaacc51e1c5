package signature

import (
	"sync"
	"time"
)

type cachedSecret struct {
	Secret   string
	CachedAt time.Time
}

// SecretCache memoises tenant webhook secrets so the hot ingestion path
// does not hit the database on every event. Entries expire after the
// TTL; the admin API rotates secrets rarely enough that a short window
// of staleness is acceptable.
type SecretCache struct {
	store sync.Map // map[tenant_id]*cachedSecret
	ttl   time.Duration
}

func NewSecretCache(ttl time.Duration) *SecretCache {
	return &SecretCache{ttl: ttl}
}

func (c *SecretCache) Get(tenantID string) (string, bool) {
	val, ok := c.store.Load(tenantID)
	if !ok {
		return "", false
	}

	entry := val.(*cachedSecret)
	if time.Since(entry.CachedAt) > c.ttl {
		c.store.Delete(tenantID)
		return "", false
	}

	return entry.Secret, true
}

func (c *SecretCache) Set(tenantID, secret string) {
	c.store.Store(tenantID, &cachedSecret{Secret: secret, CachedAt: time.Now()})
}
