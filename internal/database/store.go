package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"bindmgr/internal/model"
)

// Mutator bundles the write operations of one API call. It runs inside
// the single-writer transaction handed out by DB.WriteTx.
type Mutator struct {
	tx *sql.Tx
}

func NewMutator(tx *sql.Tx) *Mutator {
	return &Mutator{tx: tx}
}

func (m *Mutator) CreateView(name string) error {
	_, err := m.tx.Exec("INSERT INTO views (name) VALUES ($1)", name)
	if err != nil {
		return fmt.Errorf("could not create view %q: %w", name, err)
	}
	// Every view sees itself and the catch-all view.
	if _, err := m.tx.Exec(
		"INSERT INTO view_dependencies (view_name, depends_on, position) VALUES ($1, $1, 0)", name); err != nil {
		return err
	}
	_, err = m.tx.Exec(
		"INSERT INTO view_dependencies (view_name, depends_on, position) VALUES ($1, $2, 2147483647)",
		name, model.AnyView)
	return err
}

func (m *Mutator) RenameView(oldName, newName string) error {
	res, err := m.tx.Exec("UPDATE views SET name = $1 WHERE name = $2", newName, oldName)
	if err != nil {
		return fmt.Errorf("could not rename view %q: %w", oldName, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("view %q does not exist", oldName)
	}
	return nil
}

func (m *Mutator) DeleteView(name string) error {
	var refs int
	err := m.tx.QueryRow(
		`SELECT (SELECT COUNT(*) FROM zone_view_assignments WHERE view_name = $1)
		      + (SELECT COUNT(*) FROM view_acls WHERE view_name = $1)
		      + (SELECT COUNT(*) FROM dns_server_set_view_assignments WHERE view_name = $1)`,
		name,
	).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("view %q is still referenced by %d assignment(s)", name, refs)
	}
	if _, err := m.tx.Exec(
		"DELETE FROM view_dependencies WHERE view_name = $1 OR depends_on = $1", name); err != nil {
		return err
	}
	res, err := m.tx.Exec("DELETE FROM views WHERE name = $1", name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("view %q does not exist", name)
	}
	return nil
}

func (m *Mutator) AddViewDependency(view, dependsOn string, position int) error {
	_, err := m.tx.Exec(
		`INSERT INTO view_dependencies (view_name, depends_on, position) VALUES ($1, $2, $3)
		 ON CONFLICT (view_name, depends_on) DO UPDATE SET position = $3`,
		view, dependsOn, position)
	return err
}

func (m *Mutator) CreateACL(name string) error {
	_, err := m.tx.Exec("INSERT INTO acls (name) VALUES ($1)", name)
	return err
}

func (m *Mutator) AddACLEntry(acl, cidr string, allow bool) error {
	_, err := m.tx.Exec(
		"INSERT INTO acl_entries (acl_name, cidr, allow) VALUES ($1, $2, $3)",
		acl, cidr, allow)
	return err
}

func (m *Mutator) BindViewACL(view, acl string) error {
	_, err := m.tx.Exec(
		"INSERT INTO view_acls (view_name, acl_name) VALUES ($1, $2)", view, acl)
	return err
}

func (m *Mutator) CreateZone(z model.Zone) error {
	_, err := m.tx.Exec(
		`INSERT INTO zones (name, origin, zone_type, options, reverse_cidr)
		 VALUES ($1, $2, $3, $4, $5)`,
		z.Name, z.Origin, string(z.Type), z.Options, z.ReverseCIDR)
	if err != nil {
		return fmt.Errorf("could not create zone %q: %w", z.Name, err)
	}
	return nil
}

func (m *Mutator) AssignZoneToView(zone, view, options string) error {
	_, err := m.tx.Exec(
		`INSERT INTO zone_view_assignments (zone_name, view_name, options) VALUES ($1, $2, $3)`,
		zone, view, options)
	return err
}

func (m *Mutator) CreateRecord(r model.Record) error {
	blob, err := json.Marshal(model.Args(r.Data))
	if err != nil {
		return err
	}
	_, err = m.tx.Exec(
		`INSERT INTO records (zone_name, view_name, target, record_type, args, ttl, last_user)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Zone, r.View, r.Target, string(r.Data.Type()), string(blob), r.TTL, r.LastUser)
	return err
}

func (m *Mutator) DeleteRecord(r model.Record) error {
	blob, err := json.Marshal(model.Args(r.Data))
	if err != nil {
		return err
	}
	res, err := m.tx.Exec(
		`DELETE FROM records
		 WHERE zone_name = $1 AND view_name = $2 AND target = $3
		   AND record_type = $4 AND args = $5::jsonb`,
		r.Zone, r.View, r.Target, string(r.Data.Type()), string(blob))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no matching %s record %q in zone %s view %s",
			r.Data.Type(), r.Target, r.Zone, r.View)
	}
	return nil
}

func (m *Mutator) CreateDnsServer(s model.DnsServer) error {
	_, err := m.tx.Exec(
		`INSERT INTO dns_servers (name, remote_dir, remote_test_dir, login_name)
		 VALUES ($1, $2, $3, $4)`,
		s.Name, s.RemoteDir, s.RemoteTestDir, s.LoginName)
	return err
}

func (m *Mutator) CreateDnsServerSet(name string) error {
	_, err := m.tx.Exec("INSERT INTO dns_server_sets (name) VALUES ($1)", name)
	return err
}

// AssignServerToSet binds a server into exactly one set; reassignment
// replaces the previous binding.
func (m *Mutator) AssignServerToSet(server, set string) error {
	_, err := m.tx.Exec(
		`INSERT INTO dns_server_set_assignments (server_name, server_set) VALUES ($1, $2)
		 ON CONFLICT (server_name) DO UPDATE SET server_set = $2`,
		server, set)
	return err
}

func (m *Mutator) AssignViewToSet(set, view string, position int) error {
	_, err := m.tx.Exec(
		`INSERT INTO dns_server_set_view_assignments (server_set, view_name, position)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (server_set, view_name) DO UPDATE SET position = $3`,
		set, view, position)
	return err
}

// SetGlobalOptions appends a new global-options blob for the set; the
// most recent entry wins at export time.
func (m *Mutator) SetGlobalOptions(set, options string) error {
	_, err := m.tx.Exec(
		"INSERT INTO named_conf_global_options (server_set, options) VALUES ($1, $2)",
		set, options)
	return err
}

func (m *Mutator) ViewExists(name string) (bool, error) {
	var n int
	if err := m.tx.QueryRow("SELECT COUNT(*) FROM views WHERE name = $1", name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
