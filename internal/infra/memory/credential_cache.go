package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	"golang.org/x/sync/singleflight"
)

const credentialKey = "credential"

// CredentialCache caches the bot credential with TTL to avoid a store read per webhook.
type CredentialCache struct {
	store app.CredentialStore
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group

	mu        sync.RWMutex
	rnd       *rand.Rand
	cred      *domain.Credential
	expiresAt time.Time
}

// NewCredentialCache wraps store. A ttl of zero or less disables caching.
func NewCredentialCache(store app.CredentialStore, ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		store: store,
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *CredentialCache) GetCredential(ctx context.Context) (domain.Credential, error) {
	if c.ttl <= 0 {
		return c.store.GetCredential(ctx)
	}
	if cred, ok := c.cached(); ok {
		return cred, nil
	}

	result, err, _ := c.sf.Do(credentialKey, func() (interface{}, error) {
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		cred, err := c.store.GetCredential(ctx)
		if err != nil {
			return domain.Credential{}, err
		}
		c.mu.Lock()
		c.cred = &cred
		c.expiresAt = c.clock().Add(c.ttlWithJitterLocked())
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return result.(domain.Credential), nil
}

// SaveCredential writes through and drops the cached copy.
func (c *CredentialCache) SaveCredential(ctx context.Context, cred domain.Credential) error {
	if err := c.store.SaveCredential(ctx, cred); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
}

func (c *CredentialCache) cached() (domain.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred != nil && c.expiresAt.After(c.clock()) {
		return *c.cred, true
	}
	return domain.Credential{}, false
}

func (c *CredentialCache) ttlWithJitterLocked() time.Duration {
	// add up to 10% jitter so replicas do not refresh in lockstep
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
