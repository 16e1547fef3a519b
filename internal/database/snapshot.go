package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bindmgr/internal/model"
)

// Snapshot is a read-only view of the store bound to the audit id
// current when it was opened. Every query inside one Snapshot observes
// the same database state.
type Snapshot struct {
	tx      *sql.Tx
	ctx     context.Context
	AuditID int64
}

// OpenSnapshot starts the read transaction backing a snapshot. The
// caller must Close it.
func (db *DB) OpenSnapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := db.ReadTx(ctx)
	if err != nil {
		return nil, err
	}
	var id sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(id) FROM audit_log").Scan(&id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &Snapshot{tx: tx, ctx: ctx, AuditID: id.Int64}, nil
}

func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

func (s *Snapshot) ID() int64 { return s.AuditID }

func (s *Snapshot) ListViews() ([]model.View, error) {
	rows, err := s.tx.QueryContext(s.ctx, "SELECT id, name, created_at FROM views ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var views []model.View
	for rows.Next() {
		var v model.View
		if err := rows.Scan(&v.ID, &v.Name, &v.CreatedAt); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *Snapshot) ListZones(view string) ([]model.ZoneViewAssignment, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT zone_name, view_name, options FROM zone_view_assignments
		 WHERE view_name = $1 ORDER BY zone_name`, view)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ZoneViewAssignment
	for rows.Next() {
		var a model.ZoneViewAssignment
		if err := rows.Scan(&a.Zone, &a.View, &a.Options); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Snapshot) GetZone(name string) (*model.Zone, error) {
	z := &model.Zone{}
	var zt string
	err := s.tx.QueryRowContext(s.ctx,
		"SELECT name, origin, zone_type, options, reverse_cidr FROM zones WHERE name = $1", name,
	).Scan(&z.Name, &z.Origin, &zt, &z.Options, &z.ReverseCIDR)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	z.Type = model.ZoneType(zt)
	return z, nil
}

func (s *Snapshot) ListRecords(zone, view string) ([]model.Record, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT zone_name, view_name, target, record_type, args, ttl, last_user, created_at
		 FROM records WHERE zone_name = $1 AND view_name = $2 ORDER BY id`, zone, view)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var r model.Record
		var rtype, blob string
		if err := rows.Scan(&r.Zone, &r.View, &r.Target, &rtype, &blob, &r.TTL, &r.LastUser, &r.CreatedAt); err != nil {
			return nil, err
		}
		var args map[string]string
		if err := json.Unmarshal([]byte(blob), &args); err != nil {
			return nil, fmt.Errorf("bad stored arguments for %s record %q: %w", rtype, r.Target, err)
		}
		data, err := model.NewRData(model.RecordType(rtype), args)
		if err != nil {
			return nil, fmt.Errorf("bad stored %s record %q in zone %s: %w", rtype, r.Target, zone, err)
		}
		r.Data = data
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Snapshot) ListACLs() ([]model.ACL, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT a.name, e.cidr, e.allow FROM acls a
		 LEFT JOIN acl_entries e ON e.acl_name = a.name
		 ORDER BY a.name, e.cidr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var acls []model.ACL
	var cur *model.ACL
	for rows.Next() {
		var name string
		var cidr sql.NullString
		var allow sql.NullBool
		if err := rows.Scan(&name, &cidr, &allow); err != nil {
			return nil, err
		}
		if cur == nil || cur.Name != name {
			acls = append(acls, model.ACL{Name: name})
			cur = &acls[len(acls)-1]
		}
		if cidr.Valid {
			cur.Entries = append(cur.Entries, model.ACLEntry{CIDR: cidr.String, Allow: allow.Bool})
		}
	}
	return acls, rows.Err()
}

func (s *Snapshot) ListViewACLs(view string) ([]string, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		"SELECT acl_name FROM view_acls WHERE view_name = $1 ORDER BY acl_name", view)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Snapshot) ListDnsServerSets() ([]model.DnsServerSet, error) {
	rows, err := s.tx.QueryContext(s.ctx, "SELECT name FROM dns_server_sets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sets []model.DnsServerSet
	for rows.Next() {
		var set model.DnsServerSet
		if err := rows.Scan(&set.Name); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

func (s *Snapshot) ListServersInSet(set string) ([]model.DnsServer, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT d.name, d.remote_dir, d.remote_test_dir, d.login_name
		 FROM dns_servers d
		 JOIN dns_server_set_assignments a ON a.server_name = d.name
		 WHERE a.server_set = $1 ORDER BY d.name`, set)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var servers []model.DnsServer
	for rows.Next() {
		var d model.DnsServer
		if err := rows.Scan(&d.Name, &d.RemoteDir, &d.RemoteTestDir, &d.LoginName); err != nil {
			return nil, err
		}
		servers = append(servers, d)
	}
	return servers, rows.Err()
}

// ListViewsInSet returns the set's views in their authoritative order.
func (s *Snapshot) ListViewsInSet(set string) ([]string, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT view_name FROM dns_server_set_view_assignments
		 WHERE server_set = $1 ORDER BY position, view_name`, set)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var views []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *Snapshot) ListViewDependencies(view string) ([]model.ViewDependency, error) {
	rows, err := s.tx.QueryContext(s.ctx,
		`SELECT view_name, depends_on, position FROM view_dependencies
		 WHERE view_name = $1 ORDER BY position, depends_on`, view)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []model.ViewDependency
	for rows.Next() {
		var d model.ViewDependency
		if err := rows.Scan(&d.View, &d.DependsOn, &d.Position); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// GetGlobalOptions returns the most recent global-options blob for the
// set, or "" when none has been stored.
func (s *Snapshot) GetGlobalOptions(set string) (string, error) {
	var opts string
	err := s.tx.QueryRowContext(s.ctx,
		`SELECT options FROM named_conf_global_options
		 WHERE server_set = $1 ORDER BY id DESC LIMIT 1`, set,
	).Scan(&opts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return opts, err
}

func (s *Snapshot) ListReverseCIDR(zone string) (string, error) {
	var cidr string
	err := s.tx.QueryRowContext(s.ctx,
		"SELECT reverse_cidr FROM zones WHERE name = $1", zone).Scan(&cidr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cidr, err
}
