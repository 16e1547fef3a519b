package zonefile

import (
	"fmt"
	"sort"
	"strings"

	"bindmgr/internal/model"
)

const header = "; Automatically generated by bindmgr, do not edit.\n"

// MissingSOAError reports a zone emitted without a start of authority.
type MissingSOAError struct {
	Zone string
	View string
}

func (e *MissingSOAError) Error() string {
	if e.View != "" {
		return fmt.Sprintf("no SOA for %s in view %s", e.Zone, e.View)
	}
	return fmt.Sprintf("no SOA for %s", e.Zone)
}

// MultipleSOAError reports a zone with more than one start of authority.
type MultipleSOAError struct {
	Zone  string
	View  string
	Count int
}

func (e *MultipleSOAError) Error() string {
	return fmt.Sprintf("%d SOA records for %s in view %q", e.Count, e.Zone, e.View)
}

// Emitter produces a deterministic zone file from a validated record
// set. Two calls over equal inputs produce identical bytes.
type Emitter struct {
	Origin string
	Zone   string
	View   string

	// AllowMissingSOA relaxes the one-SOA rule for views that exist
	// purely as dependency sources.
	AllowMissingSOA bool
}

// Emit renders the zone file. Records are grouped and ordered by a
// fixed schema: SOA, then NS sorted by name server, then MX sorted by
// (priority, mail server), then TXT in first-seen order, then the rest
// sorted by (target, type, argument tuple).
func (e *Emitter) Emit(records []model.Record) ([]byte, error) {
	if err := model.FindDuplicate(records, e.Origin); err != nil {
		return nil, err
	}

	var soa *model.Record
	var ns, mx, txt, rest []model.Record
	soaCount := 0
	for i := range records {
		r := records[i]
		switch r.Data.Type() {
		case model.TypeSOA:
			soaCount++
			if soa == nil {
				soa = &records[i]
			}
		case model.TypeNS:
			ns = append(ns, r)
		case model.TypeMX:
			mx = append(mx, r)
		case model.TypeTXT:
			txt = append(txt, r)
		default:
			rest = append(rest, r)
		}
	}
	if soaCount > 1 {
		return nil, &MultipleSOAError{Zone: e.Zone, View: e.View, Count: soaCount}
	}
	if soa == nil && !e.AllowMissingSOA {
		return nil, &MissingSOAError{Zone: e.Zone, View: e.View}
	}
	if soa != nil && soa.Target != "@" && !strings.EqualFold(soa.Target, e.Origin) {
		return nil, fmt.Errorf("SOA target %q is neither %q nor @", soa.Target, e.Origin)
	}

	sort.SliceStable(ns, func(i, j int) bool {
		return ns[i].Data.(model.NS).NameServer < ns[j].Data.(model.NS).NameServer
	})
	sort.SliceStable(mx, func(i, j int) bool {
		a, b := mx[i].Data.(model.MX), mx[j].Data.(model.MX)
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.MailServer < b.MailServer
	})
	sort.SliceStable(rest, func(i, j int) bool {
		return restLess(rest[i], rest[j])
	})

	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "$ORIGIN %s\n", e.Origin)
	if soa != nil {
		writeLine(&b, *soa)
	}
	for _, r := range ns {
		writeLine(&b, r)
	}
	for _, r := range mx {
		writeLine(&b, r)
	}
	for _, r := range txt {
		writeLine(&b, r)
	}
	for _, r := range rest {
		writeLine(&b, r)
	}
	return []byte(b.String()), nil
}

func restLess(a, b model.Record) bool {
	if a.Target != b.Target {
		return a.Target < b.Target
	}
	at, bt := a.Data.Type(), b.Data.Type()
	if at != bt {
		return at < bt
	}
	av, bv := a.Data.Values(), b.Data.Values()
	for i := 0; i < len(av) && i < len(bv); i++ {
		if av[i] != bv[i] {
			return av[i] < bv[i]
		}
	}
	return len(av) < len(bv)
}

func writeLine(b *strings.Builder, r model.Record) {
	fmt.Fprintf(b, "%s %d in %s %s\n", r.Target, r.TTL, r.Data.Type(),
		strings.Join(r.Data.Values(), " "))
}
