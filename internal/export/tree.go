package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"bindmgr/internal/namedconf"
	"bindmgr/internal/zonefile"
)

// Tools are the absolute paths of the remote programs a server needs to
// verify and install a tree; they are declared in the per-server .info
// sidecar.
type Tools struct {
	NamedCheckconf   string
	NamedCheckzone   string
	NamedCompilezone string
	Tar              string
}

// Materializer executes a plan into an on-disk tree rooted at
// RootDir/<server>/.
type Materializer struct {
	RootDir  string
	NamedDir string // directory name used in emitted zone file paths
	Tools    Tools

	// AllowMissingSOA mirrors the planner's setting so emission agrees
	// with validation.
	AllowMissingSOA bool
}

// Materialize writes the whole tree into a fresh temporary directory
// and swaps it into place only when every file was written. On failure
// the temporary directory is removed and RootDir is left untouched.
func (m *Materializer) Materialize(plan *Plan) (err error) {
	parent := filepath.Dir(m.RootDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(parent, fmt.Sprintf(".%s-tmp-%s", filepath.Base(m.RootDir), uuid.NewString()))
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	for _, sd := range plan.Servers {
		if err = m.writeServer(tmp, sd); err != nil {
			return fmt.Errorf("server %s: %w", sd.Server.Name, err)
		}
	}

	old := tmp + ".old"
	if _, statErr := os.Stat(m.RootDir); statErr == nil {
		if err = os.Rename(m.RootDir, old); err != nil {
			return err
		}
	}
	if err = os.Rename(tmp, m.RootDir); err != nil {
		return err
	}
	_ = os.RemoveAll(old)
	return nil
}

func (m *Materializer) writeServer(root string, sd ServerDirective) error {
	serverDir := filepath.Join(root, sd.Server.Name)
	if err := os.MkdirAll(serverDir, 0o755); err != nil {
		return err
	}

	conf, err := m.renderNamedConf(sd)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(serverDir, "named.conf"), conf, 0o644); err != nil {
		return err
	}

	for _, vd := range sd.Views {
		viewDir := filepath.Join(serverDir, m.NamedDir, vd.View)
		if err := os.MkdirAll(viewDir, 0o755); err != nil {
			return err
		}
		for _, ze := range vd.Zones {
			em := zonefile.Emitter{
				Origin:          ze.Zone.Origin,
				Zone:            ze.Zone.Name,
				View:            vd.View,
				AllowMissingSOA: m.AllowMissingSOA,
			}
			data, err := em.Emit(ze.Records)
			if err != nil {
				return err
			}
			path := filepath.Join(viewDir, ze.Zone.Name+".db")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
		}
	}

	return m.writeInfo(serverDir, sd)
}

// renderNamedConf assembles the server's named.conf: the set's global
// options blob verbatim, then one view block per view in the set's
// authoritative order.
func (m *Materializer) renderNamedConf(sd ServerDirective) ([]byte, error) {
	var b strings.Builder
	b.WriteString(strings.TrimRight(sd.Globals, "\n"))
	b.WriteString("\n")

	for _, vd := range sd.Views {
		block, err := m.viewBlock(vd)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", vd.View, err)
		}
		b.WriteString(namedconf.Emit([]*namedconf.Stmt{block}))
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

func (m *Materializer) viewBlock(vd ViewDirective) (*namedconf.Stmt, error) {
	view := namedconf.Block("view", `"`+vd.View+`"`)

	match := namedconf.Block("match-clients")
	if len(vd.ACLs) == 0 {
		match.Add(namedconf.Flag("any"))
	}
	for _, acl := range vd.ACLs {
		match.Add(namedconf.Flag(acl))
	}
	view.Add(match)

	for _, ze := range vd.Zones {
		zone := namedconf.Block("zone", `"`+ze.Zone.Origin+`"`)
		zone.Add(namedconf.Assign(string(ze.Zone.Type), "type"))
		file := filepath.ToSlash(filepath.Join(m.NamedDir, vd.View, ze.Zone.Name+".db"))
		zone.Add(namedconf.Assign(`"`+file+`"`, "file"))
		if opts, err := parseOptions(ze.Zone.Options); err != nil {
			return nil, fmt.Errorf("zone %s options: %w", ze.Zone.Name, err)
		} else {
			zone.Add(opts...)
		}
		if opts, err := parseOptions(ze.Options); err != nil {
			return nil, fmt.Errorf("zone %s view options: %w", ze.Zone.Name, err)
		} else {
			zone.Add(opts...)
		}
		view.Add(zone)
	}
	return view, nil
}

func parseOptions(blob string) ([]*namedconf.Stmt, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	return namedconf.Parse(blob)
}

// writeInfo writes the sidecar declaring the remote tool paths needed
// to verify the tree on the server.
func (m *Materializer) writeInfo(serverDir string, sd ServerDirective) error {
	var b strings.Builder
	fmt.Fprintf(&b, "server %s\n", sd.Server.Name)
	fmt.Fprintf(&b, "server_set %s\n", sd.ServerSet)
	fmt.Fprintf(&b, "remote_dir %s\n", sd.Server.RemoteDir)
	fmt.Fprintf(&b, "remote_test_dir %s\n", sd.Server.RemoteTestDir)
	fmt.Fprintf(&b, "login %s\n", sd.Server.LoginName)
	fmt.Fprintf(&b, "named_checkconf %s\n", m.Tools.NamedCheckconf)
	fmt.Fprintf(&b, "named_checkzone %s\n", m.Tools.NamedCheckzone)
	fmt.Fprintf(&b, "named_compilezone %s\n", m.Tools.NamedCompilezone)
	fmt.Fprintf(&b, "tar %s\n", m.Tools.Tar)
	path := filepath.Join(serverDir, sd.Server.Name+".info")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
