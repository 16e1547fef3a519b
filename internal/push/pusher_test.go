package push

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bindmgr/internal/export"
	"bindmgr/internal/model"
)

// memCopier records operations per server and can be told to fail.
type memCopier struct {
	mu       sync.Mutex
	files    map[string]map[string][]byte // server -> path -> data
	locks    map[string]map[string]string // server -> path -> token
	execs    map[string][]string
	putFails map[string]int // server -> remaining Put failures
	lockHeld map[string]bool
}

func newMemCopier() *memCopier {
	return &memCopier{
		files:    map[string]map[string][]byte{},
		locks:    map[string]map[string]string{},
		execs:    map[string][]string{},
		putFails: map[string]int{},
		lockHeld: map[string]bool{},
	}
}

func (c *memCopier) MkdirAll(ctx context.Context, server model.DnsServer, path string) error {
	return nil
}

func (c *memCopier) Put(ctx context.Context, server model.DnsServer, path string, data []byte, mode fs.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putFails[server.Name] > 0 {
		c.putFails[server.Name]--
		return fmt.Errorf("transient transfer failure")
	}
	if c.files[server.Name] == nil {
		c.files[server.Name] = map[string][]byte{}
	}
	c.files[server.Name][path] = append([]byte(nil), data...)
	return nil
}

func (c *memCopier) Remove(ctx context.Context, server model.DnsServer, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks[server.Name], path)
	return nil
}

func (c *memCopier) TryLock(ctx context.Context, server model.DnsServer, path, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHeld[server.Name] {
		return fmt.Errorf("push lock %s is held", path)
	}
	if c.locks[server.Name] == nil {
		c.locks[server.Name] = map[string]string{}
	}
	if _, ok := c.locks[server.Name][path]; ok {
		return fmt.Errorf("push lock %s is held", path)
	}
	c.locks[server.Name][path] = token
	return nil
}

func (c *memCopier) Exec(ctx context.Context, server model.DnsServer, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs[server.Name] = append(c.execs[server.Name], command)
	return "", nil
}

func writeTestTree(t *testing.T, servers ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, s := range servers {
		serverDir := filepath.Join(dir, s, "named", "internal")
		require.NoError(t, os.MkdirAll(serverDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, s, "named.conf"), []byte("options {};\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(serverDir, "example.com.db"), []byte("zone data\n"), 0o644))
	}
	return dir
}

func planFor(servers ...string) *export.Plan {
	p := &export.Plan{AuditID: 1}
	for _, s := range servers {
		p.Servers = append(p.Servers, export.ServerDirective{
			Server: model.DnsServer{Name: s, RemoteDir: "/etc/bind", LoginName: "bind"},
		})
	}
	return p
}

func testPusher(c Copier) *Pusher {
	return &Pusher{
		Copier:        c,
		ReloadCommand: "rndc reload",
		MaxAttempts:   3,
		MaxBackoff:    time.Millisecond,
		MaxParallel:   2,
	}
}

func TestPushAllTransfersAndReloads(t *testing.T) {
	copier := newMemCopier()
	tree := writeTestTree(t, "ns1")
	p := testPusher(copier)

	require.NoError(t, p.PushAll(context.Background(), planFor("ns1"), tree))

	assert.Equal(t, []byte("options {};\n"), copier.files["ns1"]["/etc/bind/named.conf"])
	assert.Equal(t, []byte("zone data\n"), copier.files["ns1"]["/etc/bind/named/internal/example.com.db"])
	assert.Equal(t, []string{"rndc reload"}, copier.execs["ns1"])
	assert.Empty(t, copier.locks["ns1"], "the push lock is released afterwards")
}

func TestPushAllRetriesTransientFailures(t *testing.T) {
	copier := newMemCopier()
	copier.putFails["ns1"] = 2
	tree := writeTestTree(t, "ns1")
	p := testPusher(copier)

	require.NoError(t, p.PushAll(context.Background(), planFor("ns1"), tree))
	assert.NotEmpty(t, copier.files["ns1"])
}

func TestPushAllIsolatesServerFailures(t *testing.T) {
	copier := newMemCopier()
	copier.putFails["ns1"] = 100 // beyond MaxAttempts, permanently down
	tree := writeTestTree(t, "ns1", "ns2")
	p := testPusher(copier)

	err := p.PushAll(context.Background(), planFor("ns1", "ns2"), tree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server ns1")

	// ns2 still got its tree and reload.
	assert.Equal(t, []string{"rndc reload"}, copier.execs["ns2"])
	assert.NotEmpty(t, copier.files["ns2"])
	// ns1 never reloaded.
	assert.Empty(t, copier.execs["ns1"])
}

func TestPushAllHeldLockFailsServer(t *testing.T) {
	copier := newMemCopier()
	copier.lockHeld["ns1"] = true
	tree := writeTestTree(t, "ns1")
	p := testPusher(copier)

	err := p.PushAll(context.Background(), planFor("ns1"), tree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
	assert.Empty(t, copier.files["ns1"], "nothing is transferred under a held lock")
}
