package database

import (
	"bufio"
	stdbzip2 "compress/bzip2"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// dumpTables lists every table in foreign-key-safe insert order. The
// dump carries all of them so a restore reproduces the full database.
var dumpTables = []struct {
	name    string
	orderBy string
}{
	{"views", "id"},
	{"view_dependencies", "view_name, depends_on"},
	{"acls", "name"},
	{"acl_entries", "acl_name, cidr"},
	{"view_acls", "view_name, acl_name"},
	{"zones", "name"},
	{"zone_view_assignments", "zone_name, view_name"},
	{"records", "id"},
	{"dns_servers", "name"},
	{"dns_server_sets", "name"},
	{"dns_server_set_assignments", "server_name"},
	{"dns_server_set_view_assignments", "server_set, view_name"},
	{"named_conf_global_options", "id"},
	{"audit_log", "id"},
	{"users", "id"},
}

var dumpSequences = []struct {
	seq   string
	table string
}{
	{"views_id_seq", "views"},
	{"records_id_seq", "records"},
	{"named_conf_global_options_id_seq", "named_conf_global_options"},
	{"audit_log_id_seq", "audit_log"},
	{"users_id_seq", "users"},
}

// SnapshotFilename is the deterministic name of the database dump
// written alongside an export.
func SnapshotFilename(auditID int64) string {
	return fmt.Sprintf("audit_log_replay_dump-%d.bz2", auditID)
}

// WriteDump streams a bz2-compressed SQL dump of the whole database to
// w, reading through the snapshot's transaction so the dump matches
// what the export saw.
func (s *Snapshot) WriteDump(w io.Writer) error {
	bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return err
	}

	out := bufio.NewWriter(bw)
	names := make([]string, len(dumpTables))
	for i, t := range dumpTables {
		names[i] = t.name
	}
	fmt.Fprintf(out, "TRUNCATE %s RESTART IDENTITY CASCADE;\n", strings.Join(names, ", "))

	for _, t := range dumpTables {
		if err := s.dumpTable(out, t.name, t.orderBy); err != nil {
			return fmt.Errorf("dumping %s: %w", t.name, err)
		}
	}
	for _, sq := range dumpSequences {
		fmt.Fprintf(out, "SELECT setval('%s', (SELECT COALESCE(MAX(id), 0) + 1 FROM %s), false);\n",
			sq.seq, sq.table)
	}

	if err := out.Flush(); err != nil {
		return err
	}
	return bw.Close()
}

func (s *Snapshot) dumpTable(out io.Writer, table, orderBy string) error {
	rows, err := s.tx.QueryContext(s.ctx,
		fmt.Sprintf("SELECT * FROM %s ORDER BY %s", table, orderBy))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = sqlLiteral(v)
		}
		fmt.Fprintf(out, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(lits, ", "))
	}
	return rows.Err()
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case time.Time:
		return "'" + x.UTC().Format("2006-01-02 15:04:05.999999+00") + "'"
	case []byte:
		return quoteString(string(x))
	case string:
		return quoteString(x)
	default:
		return quoteString(fmt.Sprint(x))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DumpToFile writes the snapshot dump atomically into dir under the
// deterministic snapshot filename.
func (s *Snapshot) DumpToFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	final := filepath.Join(dir, SnapshotFilename(s.AuditID))
	tmp, err := os.CreateTemp(dir, ".dump-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := s.WriteDump(tmp); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// RestoreDump replays a bz2 SQL dump inside a single write transaction.
// Statements are one per line, as WriteDump produces them.
func (db *DB) RestoreDump(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(stdbzip2.NewReader(r))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return db.WriteTx(ctx, func(tx *sql.Tx) error {
		for scanner.Scan() {
			stmt := strings.TrimSpace(scanner.Text())
			if stmt == "" {
				continue
			}
			if strings.HasPrefix(stmt, "SELECT setval") {
				var discard any
				if err := tx.QueryRowContext(ctx, stmt).Scan(&discard); err != nil {
					return fmt.Errorf("restore failed at %q: %w", head(stmt), err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("restore failed at %q: %w", head(stmt), err)
			}
		}
		return scanner.Err()
	})
}

func head(s string) string {
	if len(s) > 80 {
		return s[:80] + "…"
	}
	return s
}
