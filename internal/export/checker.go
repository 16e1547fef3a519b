package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"bindmgr/internal/namedconf"
)

// ToolError carries a validator's verbatim output alongside the failure.
type ToolError struct {
	Tool   string
	Server string
	Zone   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	subject := e.Server
	if e.Zone != "" {
		subject += " zone " + e.Zone
	}
	return fmt.Sprintf("%s failed for %s: %v\n%s", e.Tool, subject, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Checker runs the syntactic validators over every server directory of
// a materialized tree. Checks fan out across servers up to MaxParallel.
type Checker struct {
	Tools       Tools
	MaxParallel int
}

// Check validates every server directory under treeDir. Any non-zero
// exit fails the whole export; the archive is retained for inspection
// by the caller.
func (c *Checker) Check(ctx context.Context, treeDir string) error {
	entries, err := os.ReadDir(treeDir)
	if err != nil {
		return err
	}
	var servers []string
	for _, e := range entries {
		if e.IsDir() {
			servers = append(servers, e.Name())
		}
	}
	sort.Strings(servers)

	g, ctx := errgroup.WithContext(ctx)
	limit := c.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, server := range servers {
		server := server
		g.Go(func() error {
			return c.checkServer(ctx, treeDir, server)
		})
	}
	return g.Wait()
}

func (c *Checker) checkServer(ctx context.Context, treeDir, server string) error {
	serverDir := filepath.Join(treeDir, server)

	if err := c.run(ctx, serverDir, server, "", c.Tools.NamedCheckconf, "named.conf"); err != nil {
		return err
	}

	// The zone files to check are the ones named.conf actually
	// references, so re-read it rather than trusting the plan.
	raw, err := os.ReadFile(filepath.Join(serverDir, "named.conf"))
	if err != nil {
		return err
	}
	stmts, err := namedconf.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("server %s: materialized named.conf does not parse: %w", server, err)
	}
	cfg := namedconf.Project(stmts)

	var viewNames []string
	for name := range cfg.Views {
		viewNames = append(viewNames, name)
	}
	sort.Strings(viewNames)
	for _, vn := range viewNames {
		view := cfg.Views[vn]
		var origins []string
		for origin := range view.Zones {
			origins = append(origins, origin)
		}
		sort.Strings(origins)
		for _, origin := range origins {
			zc := view.Zones[origin]
			if zc.File == "" {
				continue
			}
			if err := c.run(ctx, serverDir, server, origin, c.Tools.NamedCheckzone, origin, zc.File); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checker) run(ctx context.Context, dir, server, zone, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &ToolError{
			Tool:   filepath.Base(tool),
			Server: server,
			Zone:   zone,
			Output: out.String(),
			Err:    err,
		}
	}
	return nil
}
