// Package authcache caches validated credential tokens so that repeat
// authentications within the TTL window avoid an external validator
// call, and concurrent validations of the same credential pair collapse
// into a single in-flight request.
package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultTTL is how long a validated token stays usable.
const defaultTTL = 15 * time.Minute

// sweepInterval is how often expired entries are proactively removed.
const sweepInterval = time.Minute

// Validator validates a credential pair and returns an opaque token.
type Validator interface {
	Validate(ctx context.Context, username, password string) (string, error)
}

// entry is one cached token with its expiry.
type entry struct {
	token     string
	expiresAt time.Time
}

// Cache is the process-wide credential cache. Safe for concurrent use
// by any number of sessions.
type Cache struct {
	validator Validator
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]entry

	group singleflight.Group

	now func() time.Time
}

// New creates a Cache backed by the given validator. A non-positive
// TTL selects the 15 minute default.
func New(validator Validator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		validator: validator,
		ttl:       ttl,
		entries:   make(map[string]entry),
		now:       time.Now,
	}
}

// Validate returns the token for a credential pair, using the cache
// when a live entry exists. On a miss, at most one validator call per
// credential key is in flight; concurrent callers share its result.
// Failed validations are never cached.
func (c *Cache) Validate(ctx context.Context, username, password string) (string, error) {
	key := hashCredentials(username, password)

	if token, ok := c.lookup(key); ok {
		return token, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have stored
		// the token between our miss and acquiring the flight.
		if token, ok := c.lookup(key); ok {
			return token, nil
		}
		// The flight's result is shared with every waiting caller, so
		// the validator call must not die with the context of whoever
		// happened to start it.
		token, err := c.validator.Validate(context.WithoutCancel(ctx), username, password)
		if err != nil {
			return "", err
		}
		c.store(key, token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries periodically until the context ends.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.sweep(); removed > 0 {
				slog.Debug("swept expired credential cache entries", "removed", removed)
			}
		}
	}
}

// lookup returns a live cached token. Expired entries are removed lazily.
func (c *Cache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.token, true
}

func (c *Cache) store(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{token: token, expiresAt: c.now().Add(c.ttl)}
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// hashCredentials derives the irreversible cache key for a credential
// pair. The plain values are never stored.
func hashCredentials(username, password string) string {
	h := sha256.New()
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}
