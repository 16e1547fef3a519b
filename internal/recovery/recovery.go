// Package recovery rebuilds a prior database state: restore the most
// recent snapshot at or before the target audit id, then replay the
// audited actions after it against the API surface.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"bindmgr/internal/api"
	"bindmgr/internal/database"
	"bindmgr/internal/metrics"
	"bindmgr/internal/model"
)

var dumpNameRE = regexp.MustCompile(`^audit_log_replay_dump-(\d+)\.bz2$`)

// Store is the database surface the engine needs: the replay tape and
// the dump restore.
type Store interface {
	AuditRange(ctx context.Context, from, to int64) ([]model.AuditEntry, error)
	RestoreDump(ctx context.Context, r io.Reader) error
}

// Dispatcher invokes one API action by name. Satisfied by
// *api.Surface via its audit-free Dispatch method.
type Dispatcher interface {
	Dispatch(ctx context.Context, user, action string, args []string) error
}

// ReplayError reports the audit entry at which recovery stopped.
type ReplayError struct {
	ID     int64
	Action string
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of audit entry %d (%s) failed: %v", e.ID, e.Action, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

type Engine struct {
	Store      Store
	Dispatcher Dispatcher
	BackupDir  string
}

// RecoverTo restores the database to its state just after audit id
// target. Replay is strictly sequential; the first failing step aborts
// so the operator can fix the offending action and restart.
func (e *Engine) RecoverTo(ctx context.Context, target int64) error {
	snapID, snapPath, err := e.findSnapshot(target)
	if err != nil {
		return err
	}
	log.Printf("recovery: restoring snapshot %d from %s, then replaying (%d, %d]",
		snapID, snapPath, snapID, target)

	// The tape has to be read before the restore wipes it.
	entries, err := e.Store.AuditRange(ctx, snapID, target)
	if err != nil {
		return fmt.Errorf("could not read the audit range: %w", err)
	}

	f, err := os.Open(snapPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := e.Store.RestoreDump(ctx, f); err != nil {
		return fmt.Errorf("snapshot restore failed: %w", err)
	}

	for _, entry := range entries {
		if !entry.Success {
			log.Printf("recovery: skipping failed audit entry %d (%s)", entry.ID, entry.Action)
			metrics.ReplaySteps.WithLabelValues("skipped").Inc()
			continue
		}
		if api.ForbiddenReplayActions[entry.Action] {
			log.Printf("recovery: skipping forbidden action %s at audit entry %d", entry.Action, entry.ID)
			metrics.ReplaySteps.WithLabelValues("forbidden").Inc()
			continue
		}
		args, err := database.DecodeAuditArgs(entry.ArgBlob)
		if err != nil {
			return &ReplayError{ID: entry.ID, Action: entry.Action, Err: err}
		}
		if err := e.Dispatcher.Dispatch(ctx, entry.Username, entry.Action, args); err != nil {
			metrics.ReplaySteps.WithLabelValues("error").Inc()
			return &ReplayError{ID: entry.ID, Action: entry.Action, Err: err}
		}
		metrics.ReplaySteps.WithLabelValues("ok").Inc()
	}
	log.Printf("recovery: reached audit id %d (%d entries considered)", target, len(entries))
	return nil
}

// findSnapshot picks the most recent snapshot with id <= target.
func (e *Engine) findSnapshot(target int64) (int64, string, error) {
	entries, err := os.ReadDir(e.BackupDir)
	if err != nil {
		return 0, "", fmt.Errorf("could not scan backup directory: %w", err)
	}
	var ids []int64
	for _, entry := range entries {
		m := dumpNameRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if id <= target {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, "", fmt.Errorf("no snapshot at or before audit id %d in %s", target, e.BackupDir)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	best := ids[0]
	return best, filepath.Join(e.BackupDir, database.SnapshotFilename(best)), nil
}
