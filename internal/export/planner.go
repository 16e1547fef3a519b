// Package export turns a store snapshot into a per-server tree of BIND
// configuration and zone files, archives it, checks it, and hands it to
// the pusher.
package export

import (
	"fmt"

	"bindmgr/internal/model"
	"bindmgr/internal/util"
	"bindmgr/internal/zonefile"
)

// Source is the snapshot-bound read surface the planner consumes. It is
// satisfied by *database.Snapshot; tests supply an in-memory fake.
type Source interface {
	ID() int64
	GetZone(name string) (*model.Zone, error)
	ListZones(view string) ([]model.ZoneViewAssignment, error)
	ListRecords(zone, view string) ([]model.Record, error)
	ListViewACLs(view string) ([]string, error)
	ListDnsServerSets() ([]model.DnsServerSet, error)
	ListServersInSet(set string) ([]model.DnsServer, error)
	ListViewsInSet(set string) ([]string, error)
	ListViewDependencies(view string) ([]model.ViewDependency, error)
	GetGlobalOptions(set string) (string, error)
	ListReverseCIDR(zone string) (string, error)
}

// ZoneEmission is one zone file to be written for a view.
type ZoneEmission struct {
	Zone    model.Zone
	Options string // view-specific zone options
	Records []model.Record
}

// ViewDirective is one view block of a server's named.conf, in the
// server set's authoritative position.
type ViewDirective struct {
	View  string
	ACLs  []string
	Zones []ZoneEmission
}

// ServerDirective is everything to materialize for one server.
type ServerDirective struct {
	Server    model.DnsServer
	ServerSet string
	Globals   string // verbatim global options blob
	Views     []ViewDirective
}

// Plan is the deterministic build plan of one export pass, keyed by the
// audit id of the snapshot it was computed from.
type Plan struct {
	AuditID int64
	Servers []ServerDirective
}

// Planner computes build plans. It is a pure function of the snapshot;
// the only I/O is reads through Source.
type Planner struct {
	// AllowMissingSOA relaxes the SOA-per-view rule for views meant
	// purely as dependency sources.
	AllowMissingSOA bool
}

// Plan computes the (server set, view, zone) triples to materialize and
// validates every export-time invariant. The first violation aborts the
// plan with an error naming the offending entity.
func (p *Planner) Plan(src Source) (*Plan, error) {
	sets, err := src.ListDnsServerSets()
	if err != nil {
		return nil, err
	}

	plan := &Plan{AuditID: src.ID()}
	for _, set := range sets {
		views, err := src.ListViewsInSet(set.Name)
		if err != nil {
			return nil, err
		}
		servers, err := src.ListServersInSet(set.Name)
		if err != nil {
			return nil, err
		}
		globals, err := src.GetGlobalOptions(set.Name)
		if err != nil {
			return nil, err
		}
		// A set without views, servers, and a global options blob has
		// nothing coherent to export.
		if len(views) == 0 || len(servers) == 0 || globals == "" {
			continue
		}

		directives, err := p.planViews(src, set.Name, views)
		if err != nil {
			return nil, err
		}
		for _, server := range servers {
			plan.Servers = append(plan.Servers, ServerDirective{
				Server:    server,
				ServerSet: set.Name,
				Globals:   globals,
				Views:     directives,
			})
		}
	}
	return plan, nil
}

func (p *Planner) planViews(src Source, set string, views []string) ([]ViewDirective, error) {
	out := make([]ViewDirective, 0, len(views))
	for _, view := range views {
		closure, err := p.dependencyClosure(src, view)
		if err != nil {
			return nil, err
		}
		acls, err := src.ListViewACLs(view)
		if err != nil {
			return nil, err
		}
		assignments, err := src.ListZones(view)
		if err != nil {
			return nil, err
		}
		vd := ViewDirective{View: view, ACLs: acls}
		for _, a := range assignments {
			zone, err := src.GetZone(a.Zone)
			if err != nil {
				return nil, err
			}
			if zone == nil {
				return nil, fmt.Errorf("view %s references zone %q which does not exist", view, a.Zone)
			}
			records, err := p.mergeRecords(src, *zone, view, closure)
			if err != nil {
				return nil, err
			}
			if err := p.validateZone(src, *zone, view, records); err != nil {
				return nil, err
			}
			vd.Zones = append(vd.Zones, ZoneEmission{
				Zone:    *zone,
				Options: a.Options,
				Records: records,
			})
		}
		out = append(out, vd)
	}
	return out, nil
}

// dependencyClosure expands a view through its dependencies to a fixed
// point. The view itself comes first, then its dependencies in position
// order, transitively; the reserved catch-all view is always last.
func (p *Planner) dependencyClosure(src Source, view string) ([]string, error) {
	var order []string
	seen := map[string]bool{}
	queue := []string{view}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if cur != model.AnyView {
			order = append(order, cur)
		}
		deps, err := src.ListViewDependencies(cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if !seen[d.DependsOn] {
				queue = append(queue, d.DependsOn)
			}
		}
	}
	if !seen[model.AnyView] && view != model.AnyView {
		// Every view implicitly depends on the catch-all view even if
		// no dependency row exists.
		seen[model.AnyView] = true
	}
	order = append(order, model.AnyView)
	if view == model.AnyView {
		return []string{model.AnyView}, nil
	}
	return order, nil
}

// mergeRecords collects the zone's records across the closure. When the
// same (target, type, arguments) appears in several views, the record
// from the higher-priority view, earlier in the closure, wins.
func (p *Planner) mergeRecords(src Source, zone model.Zone, view string, closure []string) ([]model.Record, error) {
	var merged []model.Record
	chosen := map[string]bool{}
	for _, cv := range closure {
		records, err := src.ListRecords(zone.Name, cv)
		if err != nil {
			return nil, err
		}
		// Identical records inside one view are a conflict, not a
		// shadowing. Check each view before the merge hides the repeat.
		if err := model.FindDuplicate(records, zone.Origin); err != nil {
			return nil, err
		}
		for _, r := range records {
			key := r.Identity(zone.Origin)
			if chosen[key] {
				continue
			}
			chosen[key] = true
			r.View = view
			merged = append(merged, r)
		}
	}
	return merged, nil
}

func (p *Planner) validateZone(src Source, zone model.Zone, view string, records []model.Record) error {
	soaCount := 0
	for _, r := range records {
		if r.Data.Type() != model.TypeSOA {
			continue
		}
		soaCount++
		if r.Target != "@" && r.Target != zone.Origin {
			return fmt.Errorf("zone %s view %s: SOA target %q is neither the origin nor @",
				zone.Name, view, r.Target)
		}
	}
	switch {
	case soaCount > 1:
		return &zonefile.MultipleSOAError{Zone: zone.Name, View: view, Count: soaCount}
	case soaCount == 0 && view != model.AnyView && !p.AllowMissingSOA:
		return &zonefile.MissingSOAError{Zone: zone.Name, View: view}
	case soaCount > 0 && view == model.AnyView:
		return fmt.Errorf("zone %s: the reserved view %q must not carry an SOA", zone.Name, model.AnyView)
	}

	if util.IsReverseOrigin(zone.Origin) {
		cidr, err := src.ListReverseCIDR(zone.Name)
		if err != nil {
			return err
		}
		if cidr == "" {
			return fmt.Errorf("reverse zone %s has no CIDR assignment", zone.Name)
		}
		if err := util.CheckReverseAssignment(zone.Origin, cidr); err != nil {
			return fmt.Errorf("reverse zone %s: %w", zone.Name, err)
		}
	}
	return nil
}
