package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bindmgr/internal/export"
	"bindmgr/internal/metrics"
	"bindmgr/internal/model"
)

// lockName is the advisory lock file created in the remote working
// directory for the duration of one push.
const lockName = ".bindmgr_push.lock"

// Pusher transfers per-server trees and triggers reloads. Transfer
// errors retry with exponential backoff up to MaxAttempts; a permanent
// failure marks that server failed without rolling back the others.
type Pusher struct {
	Copier        Copier
	ReloadCommand string
	MaxAttempts   int
	MaxBackoff    time.Duration
	MaxParallel   int
}

// PushAll ships every server directory of the plan. All servers are
// attempted; the returned error joins the per-server failures.
func (p *Pusher) PushAll(ctx context.Context, plan *export.Plan, treeDir string) error {
	var g errgroup.Group
	limit := p.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	var failures []error
	for _, sd := range plan.Servers {
		server := sd.Server
		g.Go(func() error {
			err := p.pushServer(ctx, server, filepath.Join(treeDir, server.Name))
			result := "ok"
			if err != nil {
				result = "error"
				mu.Lock()
				failures = append(failures, fmt.Errorf("server %s: %w", server.Name, err))
				mu.Unlock()
			}
			metrics.PushTotal.WithLabelValues(server.Name, result).Inc()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

func (p *Pusher) pushServer(ctx context.Context, server model.DnsServer, serverDir string) error {
	lockPath := filepath.ToSlash(filepath.Join(server.RemoteDir, lockName))
	token := uuid.NewString()
	if err := p.Copier.TryLock(ctx, server, lockPath, token); err != nil {
		return err
	}
	defer func() {
		if err := p.Copier.Remove(context.Background(), server, lockPath); err != nil {
			log.Printf("push %s: could not release lock %s: %v", server.Name, lockPath, err)
		}
	}()

	if err := p.transfer(ctx, server, serverDir); err != nil {
		return err
	}

	out, err := p.Copier.Exec(ctx, server, p.ReloadCommand)
	if err != nil {
		return fmt.Errorf("reload command %q failed: %w (%s)", p.ReloadCommand, err, out)
	}
	log.Printf("push %s: reloaded", server.Name)
	return nil
}

func (p *Pusher) transfer(ctx context.Context, server model.DnsServer, serverDir string) error {
	return filepath.Walk(serverDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(serverDir, path)
		if err != nil {
			return err
		}
		remote := filepath.ToSlash(filepath.Join(server.RemoteDir, rel))
		if info.IsDir() {
			return p.retry(ctx, func() error {
				return p.Copier.MkdirAll(ctx, server, remote)
			})
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return p.retry(ctx, func() error {
			return p.Copier.Put(ctx, server, remote, data, info.Mode())
		})
	})
}

func (p *Pusher) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = p.MaxBackoff
	attempts := uint64(p.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, attempts-1), ctx))
}
