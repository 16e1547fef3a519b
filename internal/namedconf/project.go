package namedconf

import "strings"

// ZoneConf is the projection of one zone stanza inside a view.
type ZoneConf struct {
	File    string
	Type    string
	Options []*Stmt
}

// ViewConf is the projection of one view stanza.
type ViewConf struct {
	MatchClients []string
	Zones        map[string]*ZoneConf
	Options      []*Stmt
}

// Config is the domain projection of a parsed named.conf: ACLs, views
// with their zones, and everything else preserved verbatim as global
// options.
type Config struct {
	ACLs    map[string][]string
	Views   map[string]*ViewConf
	Options []*Stmt
}

// Project builds the domain view of a parsed statement list. Top-level
// statements that are neither "acl <name>" nor "view <name>" blocks are
// kept untouched under Options.
func Project(stmts []*Stmt) *Config {
	cfg := &Config{
		ACLs:  make(map[string][]string),
		Views: make(map[string]*ViewConf),
	}
	for _, s := range stmts {
		switch {
		case s.IsBlock && len(s.Key) == 2 && s.Key[0] == "acl":
			cfg.ACLs[unquote(s.Key[1])] = aclEntries(s.Children)
		case s.IsBlock && len(s.Key) == 2 && s.Key[0] == "view":
			cfg.Views[unquote(s.Key[1])] = projectView(s.Children)
		default:
			cfg.Options = append(cfg.Options, s)
		}
	}
	return cfg
}

func projectView(stmts []*Stmt) *ViewConf {
	v := &ViewConf{Zones: make(map[string]*ZoneConf)}
	for _, s := range stmts {
		switch {
		case s.IsBlock && len(s.Key) == 1 && s.Key[0] == "match-clients":
			for _, c := range s.Children {
				v.MatchClients = append(v.MatchClients, unquote(c.KeyString()))
			}
		case s.IsBlock && len(s.Key) == 2 && s.Key[0] == "zone":
			v.Zones[unquote(s.Key[1])] = projectZone(s.Children)
		default:
			v.Options = append(v.Options, s)
		}
	}
	return v
}

func projectZone(stmts []*Stmt) *ZoneConf {
	z := &ZoneConf{}
	for _, s := range stmts {
		switch {
		case !s.IsBlock && len(s.Key) == 1 && s.Key[0] == "file":
			z.File = unquote(s.Value)
		case !s.IsBlock && len(s.Key) == 1 && s.Key[0] == "type":
			z.Type = s.Value
		default:
			z.Options = append(z.Options, s)
		}
	}
	return z
}

func aclEntries(stmts []*Stmt) []string {
	var out []string
	for _, s := range stmts {
		entry := s.KeyString()
		if s.Value != "" {
			entry += " " + s.Value
		}
		out = append(out, entry)
	}
	return out
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
