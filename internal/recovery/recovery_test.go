package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bindmgr/internal/model"
)

type fakeStore struct {
	entries  []model.AuditEntry
	restored bool

	gotFrom, gotTo int64
}

func (s *fakeStore) AuditRange(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	s.gotFrom, s.gotTo = from, to
	var out []model.AuditEntry
	for _, e := range s.entries {
		if e.ID > from && e.ID <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) RestoreDump(ctx context.Context, r io.Reader) error {
	s.restored = true
	_, err := io.ReadAll(r)
	return err
}

type fakeDispatcher struct {
	calls []string
	fail  map[string]error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, user, action string, args []string) error {
	d.calls = append(d.calls, fmt.Sprintf("%s:%s:%v", user, action, args))
	return d.fail[action]
}

func writeSnapshots(t *testing.T, dir string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		name := fmt.Sprintf("audit_log_replay_dump-%d.bz2", id)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644))
	}
	// Noise that must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dns_tree_2026-01-01-00-00-00-3.tar.bz2"), []byte{}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte{}, 0o644))
}

func auditEntry(id int64, action string, success bool, args ...any) model.AuditEntry {
	blob := "["
	for i, a := range args {
		if i > 0 {
			blob += ","
		}
		blob += fmt.Sprintf("%q", a)
	}
	blob += "]"
	return model.AuditEntry{ID: id, Username: "alice", Action: action, ArgBlob: blob, Success: success}
}

func TestRecoverToReplaysTape(t *testing.T) {
	dir := t.TempDir()
	writeSnapshots(t, dir, 3, 7, 12)

	store := &fakeStore{entries: []model.AuditEntry{
		auditEntry(8, "MakeView", true, "internal"),
		auditEntry(9, "ExportAllBindTrees", true),
		auditEntry(10, "MakeZone", false, "broken"),
		auditEntry(11, "MakeRecord", true, "example.com", "internal", "www", "a", "300", `{"assignment_ip":"10.0.0.1"}`),
	}}
	disp := &fakeDispatcher{}
	engine := &Engine{Store: store, Dispatcher: disp, BackupDir: dir}

	require.NoError(t, engine.RecoverTo(context.Background(), 11))

	assert.True(t, store.restored)
	assert.Equal(t, int64(7), store.gotFrom, "the snapshot at or before the target is chosen")
	assert.Equal(t, int64(11), store.gotTo)
	// The export and the failed entry are skipped.
	require.Len(t, disp.calls, 2)
	assert.Equal(t, "alice:MakeView:[internal]", disp.calls[0])
	assert.Contains(t, disp.calls[1], "alice:MakeRecord:")
}

func TestRecoverToNoSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeSnapshots(t, dir, 20)

	engine := &Engine{Store: &fakeStore{}, Dispatcher: &fakeDispatcher{}, BackupDir: dir}
	err := engine.RecoverTo(context.Background(), 11)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot at or before audit id 11")
}

func TestRecoverToStopsAtFirstReplayError(t *testing.T) {
	dir := t.TempDir()
	writeSnapshots(t, dir, 5)

	store := &fakeStore{entries: []model.AuditEntry{
		auditEntry(6, "MakeView", true, "a"),
		auditEntry(7, "MakeACL", true, "bad"),
		auditEntry(8, "MakeView", true, "b"),
	}}
	disp := &fakeDispatcher{fail: map[string]error{"MakeACL": fmt.Errorf("acl exists")}}
	engine := &Engine{Store: store, Dispatcher: disp, BackupDir: dir}

	err := engine.RecoverTo(context.Background(), 8)
	var replayErr *ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.Equal(t, int64(7), replayErr.ID)
	assert.Equal(t, "MakeACL", replayErr.Action)
	require.Len(t, disp.calls, 2, "replay is sequential and stops at the failure")
}

func TestRecoverToExactSnapshotNeedsNoReplay(t *testing.T) {
	dir := t.TempDir()
	writeSnapshots(t, dir, 9)

	store := &fakeStore{}
	disp := &fakeDispatcher{}
	engine := &Engine{Store: store, Dispatcher: disp, BackupDir: dir}

	require.NoError(t, engine.RecoverTo(context.Background(), 9))
	assert.True(t, store.restored)
	assert.Empty(t, disp.calls)
}
