package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMethod struct {
	password string
	calls    int
	err      error
}

func (m *fakeMethod) Authenticate(ctx context.Context, username, password string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return password == m.password, nil
}

func TestCacheRemembersGoodCredentials(t *testing.T) {
	backend := &fakeMethod{password: "s3cret"}
	cache := NewCache(backend, time.Minute)

	ok, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, backend.calls)

	// Second call with the same credential skips the backend.
	ok, err = cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, backend.calls)
}

func TestCacheDoesNotCacheFailures(t *testing.T) {
	backend := &fakeMethod{password: "s3cret"}
	cache := NewCache(backend, time.Minute)

	ok, err := cache.Authenticate(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cache.Authenticate(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, backend.calls, "failures always hit the backend")
}

func TestCacheEntryIsPerCredential(t *testing.T) {
	backend := &fakeMethod{password: "s3cret"}
	cache := NewCache(backend, time.Minute)

	_, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	// A different password for a cached user must re-verify and fail.
	ok, err := cache.Authenticate(context.Background(), "alice", "other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, backend.calls)
}

func TestCacheExpiry(t *testing.T) {
	backend := &fakeMethod{password: "s3cret"}
	cache := NewCache(backend, time.Millisecond)

	_, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	ok, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, backend.calls, "an expired entry re-verifies")
}

func TestCacheInvalidate(t *testing.T) {
	backend := &fakeMethod{password: "s3cret"}
	cache := NewCache(backend, time.Minute)

	_, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	cache.Invalidate("alice")

	_, err = cache.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestCachePropagatesBackendErrors(t *testing.T) {
	backend := &fakeMethod{err: fmt.Errorf("ldap unreachable")}
	cache := NewCache(backend, time.Minute)

	ok, err := cache.Authenticate(context.Background(), "alice", "s3cret")
	assert.False(t, ok)
	assert.Error(t, err)
}
