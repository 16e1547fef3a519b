package export

import (
	"archive/tar"
	"compress/bzip2"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bindmgr/internal/model"
)

func testPlan() *Plan {
	return &Plan{
		AuditID: 42,
		Servers: []ServerDirective{{
			Server:    model.DnsServer{Name: "ns1", RemoteDir: "/etc/bind", RemoteTestDir: "/tmp/bind", LoginName: "bind"},
			ServerSet: "prod",
			Globals:   `options { directory "/var/named"; };`,
			Views: []ViewDirective{{
				View: "internal",
				ACLs: []string{`"trusted"`},
				Zones: []ZoneEmission{{
					Zone: model.Zone{Name: "example.com", Origin: "example.com.", Type: model.ZoneMaster},
					Records: []model.Record{
						{Target: "@", TTL: 3600, Data: model.SOA{
							NameServer: "ns1.example.com.", AdminEmail: "admin.example.com.",
							SerialNumber: 1, RefreshSeconds: 3600, RetrySeconds: 600,
							ExpirySeconds: 1209600, MinimumSeconds: 300}},
						{Target: "www", TTL: 300, Data: model.A{AssignmentIP: "10.0.0.1"}},
					},
				}},
			}},
		}},
	}
}

func testMaterializer(root string) *Materializer {
	return &Materializer{
		RootDir:  root,
		NamedDir: "named",
		Tools: Tools{
			NamedCheckconf:   "/usr/sbin/named-checkconf",
			NamedCheckzone:   "/usr/sbin/named-checkzone",
			NamedCompilezone: "/usr/sbin/named-compilezone",
			Tar:              "/bin/tar",
		},
	}
}

func TestMaterializeWritesTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "trees")
	m := testMaterializer(root)
	require.NoError(t, m.Materialize(testPlan()))

	conf, err := os.ReadFile(filepath.Join(root, "ns1", "named.conf"))
	require.NoError(t, err)
	text := string(conf)
	assert.Contains(t, text, `options { directory "/var/named"; };`)
	assert.Contains(t, text, `view "internal"`)
	assert.Contains(t, text, `match-clients { "trusted"; };`)
	assert.Contains(t, text, `zone "example.com." { type master; file "named/internal/example.com.db"; };`)

	zone, err := os.ReadFile(filepath.Join(root, "ns1", "named", "internal", "example.com.db"))
	require.NoError(t, err)
	assert.Contains(t, string(zone), "$ORIGIN example.com.")
	assert.Contains(t, string(zone), "www 300 in a 10.0.0.1")

	info, err := os.ReadFile(filepath.Join(root, "ns1", "ns1.info"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "server ns1\n")
	assert.Contains(t, string(info), "remote_dir /etc/bind\n")
	assert.Contains(t, string(info), "named_checkconf /usr/sbin/named-checkconf\n")
}

func TestMaterializeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	first := testMaterializer(filepath.Join(dir, "a"))
	second := testMaterializer(filepath.Join(dir, "b"))
	require.NoError(t, first.Materialize(testPlan()))
	require.NoError(t, second.Materialize(testPlan()))

	a, err := os.ReadFile(filepath.Join(dir, "a", "ns1", "named.conf"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "b", "ns1", "named.conf"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMaterializeSwapKeepsOldTreeOnFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "trees")
	m := testMaterializer(root)
	require.NoError(t, m.Materialize(testPlan()))

	bad := testPlan()
	// Zone options that do not parse make the write fail.
	bad.Servers[0].Views[0].Zones[0].Options = "allow-update { none; "
	require.Error(t, m.Materialize(bad))

	// The previous tree is still in place.
	_, err := os.Stat(filepath.Join(root, "ns1", "named.conf"))
	assert.NoError(t, err)
}

func TestArchiveFilename(t *testing.T) {
	at := time.Date(2026, 9, 1, 13, 45, 9, 0, time.UTC)
	assert.Equal(t, "dns_tree_2026-09-01-13-45-09-42.tar.bz2", ArchiveFilename(at, 42))
}

func TestArchiveTreeDeterministic(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "trees")
	m := testMaterializer(root)
	require.NoError(t, m.Materialize(testPlan()))

	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	firstPath, err := ArchiveTree(root, filepath.Join(dir, "b1"), at, 7)
	require.NoError(t, err)
	secondPath, err := ArchiveTree(root, filepath.Join(dir, "b2"), at, 7)
	require.NoError(t, err)

	first, err := os.ReadFile(firstPath)
	require.NoError(t, err)
	second, err := os.ReadFile(secondPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The archive lists the tree's files.
	f, err := os.Open(firstPath)
	require.NoError(t, err)
	defer f.Close()
	tr := tar.NewReader(bzip2.NewReader(f))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "ns1/named.conf")
	assert.Contains(t, names, "ns1/named/internal/example.com.db")
}
