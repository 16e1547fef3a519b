// Package auth provides the credential plug-ins named by the
// credentials.authentication_method configuration key, plus a small
// expiry-bounded cache so every RPC does not re-bind.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"bindmgr/internal/config"
	"bindmgr/internal/database"
)

// Method verifies a username/password pair against one backend.
type Method interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// New selects the plug-in named by the configuration.
func New(cfg *config.Config, db *database.DB) (Method, error) {
	switch cfg.Credentials.AuthenticationMethod {
	case "local":
		return &localMethod{db: db}, nil
	case "ldap":
		return NewLDAPMethod(cfg.LDAP), nil
	default:
		return nil, fmt.Errorf("unknown authentication_method %q", cfg.Credentials.AuthenticationMethod)
	}
}

type localMethod struct {
	db *database.DB
}

func (m *localMethod) Authenticate(ctx context.Context, username, password string) (bool, error) {
	return m.db.AuthenticateUser(ctx, username, password)
}

// Cache wraps a Method and remembers successful credentials for the
// configured lifetime.
type Cache struct {
	method  Method
	expTime time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	digest  string
	expires time.Time
}

func NewCache(method Method, expTime time.Duration) *Cache {
	return &Cache{
		method:  method,
		expTime: expTime,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Authenticate(ctx context.Context, username, password string) (bool, error) {
	digest := credentialDigest(username, password)

	c.mu.Lock()
	entry, ok := c.entries[username]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) &&
		subtle.ConstantTimeCompare([]byte(entry.digest), []byte(digest)) == 1 {
		return true, nil
	}

	ok, err := c.method.Authenticate(ctx, username, password)
	if err != nil || !ok {
		return false, err
	}
	c.mu.Lock()
	c.entries[username] = cacheEntry{digest: digest, expires: time.Now().Add(c.expTime)}
	c.mu.Unlock()
	return true, nil
}

// Invalidate drops a user's cached credential.
func (c *Cache) Invalidate(username string) {
	c.mu.Lock()
	delete(c.entries, username)
	c.mu.Unlock()
}

func credentialDigest(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}
