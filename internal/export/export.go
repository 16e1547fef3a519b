package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"bindmgr/internal/database"
	"bindmgr/internal/metrics"
)

// TreePusher ships checked per-server trees to the servers themselves.
type TreePusher interface {
	PushAll(ctx context.Context, plan *Plan, treeDir string) error
}

// Mirror publishes exported master zones to an external DNS provider.
type Mirror interface {
	Publish(ctx context.Context, plan *Plan) error
}

// Pipeline is one full export pass: plan, materialize, snapshot,
// archive, check, push. Exports are sequential per process; concurrent
// fan-out happens only inside the check and push stages.
type Pipeline struct {
	DB        *database.DB
	Planner   Planner
	Mat       Materializer
	Checker   Checker
	Pusher    TreePusher
	Mirror    Mirror
	BackupDir string

	// Now is stubbed in tests; the archive filename embeds it.
	Now func() time.Time
}

// ExportAllBindTrees runs the pipeline against one consistent snapshot
// of the store. A check failure keeps the archive for inspection but
// nothing is pushed.
func (p *Pipeline) ExportAllBindTrees(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ExportsTotal.WithLabelValues(result).Inc()
		metrics.ExportDuration.Observe(time.Since(started).Seconds())
	}()

	snap, err := p.DB.OpenSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("could not open export snapshot: %w", err)
	}
	defer snap.Close()

	plan, err := p.Planner.Plan(snap)
	if err != nil {
		return fmt.Errorf("export planning failed: %w", err)
	}
	if len(plan.Servers) == 0 {
		log.Printf("export %d: no eligible server sets, nothing to do", plan.AuditID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.Mat.Materialize(plan); err != nil {
		return fmt.Errorf("tree materialization failed: %w", err)
	}
	log.Printf("export %d: materialized %d server tree(s) under %s",
		plan.AuditID, len(plan.Servers), p.Mat.RootDir)

	dumpPath, err := snap.DumpToFile(p.BackupDir)
	if err != nil {
		return fmt.Errorf("snapshot dump failed: %w", err)
	}
	log.Printf("export %d: wrote snapshot %s", plan.AuditID, dumpPath)

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	archivePath, err := ArchiveTree(p.Mat.RootDir, p.BackupDir, now(), plan.AuditID)
	if err != nil {
		return fmt.Errorf("tree archive failed: %w", err)
	}
	log.Printf("export %d: wrote archive %s", plan.AuditID, archivePath)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Checker.Check(ctx, p.Mat.RootDir); err != nil {
		return fmt.Errorf("config check failed (archive %s retained): %w", archivePath, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Pusher != nil {
		if err := p.Pusher.PushAll(ctx, plan, p.Mat.RootDir); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
	}

	if p.Mirror != nil {
		// Mirror publication is best-effort; the export itself already
		// succeeded.
		if err := p.Mirror.Publish(ctx, plan); err != nil {
			log.Printf("export %d: mirror publication failed: %v", plan.AuditID, err)
		}
	}
	return nil
}
