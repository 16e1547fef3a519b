package model

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"bindmgr/internal/util"
)

type RecordType string

const (
	TypeSOA   RecordType = "soa"
	TypeNS    RecordType = "ns"
	TypeA     RecordType = "a"
	TypeAAAA  RecordType = "aaaa"
	TypeCNAME RecordType = "cname"
	TypePTR   RecordType = "ptr"
	TypeMX    RecordType = "mx"
	TypeTXT   RecordType = "txt"
	TypeHINFO RecordType = "hinfo"
	TypeSRV   RecordType = "srv"
)

// ArgOrder fixes, per record type, the argument names and the order in
// which their values appear on an emitted zone file line.
var ArgOrder = map[RecordType][]string{
	TypeSOA:   {"name_server", "admin_email", "serial_number", "refresh_seconds", "retry_seconds", "expiry_seconds", "minimum_seconds"},
	TypeNS:    {"name_server"},
	TypeA:     {"assignment_ip"},
	TypeAAAA:  {"assignment_ip"},
	TypeCNAME: {"assignment_host"},
	TypePTR:   {"assignment_host"},
	TypeMX:    {"priority", "mail_server"},
	TypeTXT:   {"quoted_text"},
	TypeHINFO: {"hardware", "os"},
	TypeSRV:   {"priority", "weight", "port", "assignment_host"},
}

// RData is the type-specific payload of a record. Values returns the
// argument values in ArgOrder for emission.
type RData interface {
	Type() RecordType
	Values() []string
}

type SOA struct {
	NameServer     string
	AdminEmail     string
	SerialNumber   int
	RefreshSeconds int
	RetrySeconds   int
	ExpirySeconds  int
	MinimumSeconds int
}

func (r SOA) Type() RecordType { return TypeSOA }
func (r SOA) Values() []string {
	return []string{r.NameServer, r.AdminEmail,
		strconv.Itoa(r.SerialNumber), strconv.Itoa(r.RefreshSeconds),
		strconv.Itoa(r.RetrySeconds), strconv.Itoa(r.ExpirySeconds),
		strconv.Itoa(r.MinimumSeconds)}
}

type NS struct {
	NameServer string
}

func (r NS) Type() RecordType { return TypeNS }
func (r NS) Values() []string { return []string{r.NameServer} }

type A struct {
	AssignmentIP string
}

func (r A) Type() RecordType { return TypeA }
func (r A) Values() []string { return []string{r.AssignmentIP} }

type AAAA struct {
	AssignmentIP string // canonical expanded form, see util.CanonicalIPv6
}

func (r AAAA) Type() RecordType { return TypeAAAA }
func (r AAAA) Values() []string { return []string{r.AssignmentIP} }

type CNAME struct {
	AssignmentHost string
}

func (r CNAME) Type() RecordType { return TypeCNAME }
func (r CNAME) Values() []string { return []string{r.AssignmentHost} }

type PTR struct {
	AssignmentHost string
}

func (r PTR) Type() RecordType { return TypePTR }
func (r PTR) Values() []string { return []string{r.AssignmentHost} }

type MX struct {
	Priority   int
	MailServer string
}

func (r MX) Type() RecordType { return TypeMX }
func (r MX) Values() []string { return []string{strconv.Itoa(r.Priority), r.MailServer} }

type TXT struct {
	QuotedText string // includes the surrounding quotes
}

func (r TXT) Type() RecordType { return TypeTXT }
func (r TXT) Values() []string { return []string{r.QuotedText} }

type HINFO struct {
	Hardware string
	OS       string
}

func (r HINFO) Type() RecordType { return TypeHINFO }
func (r HINFO) Values() []string { return []string{r.Hardware, r.OS} }

type SRV struct {
	Priority       int
	Weight         int
	Port           int
	AssignmentHost string
}

func (r SRV) Type() RecordType { return TypeSRV }
func (r SRV) Values() []string {
	return []string{strconv.Itoa(r.Priority), strconv.Itoa(r.Weight),
		strconv.Itoa(r.Port), r.AssignmentHost}
}

// UnknownRecordTypeError reports a record type outside the supported set.
type UnknownRecordTypeError struct {
	Type string
}

func (e *UnknownRecordTypeError) Error() string {
	return fmt.Sprintf("unknown record type %q", e.Type)
}

// ArgsError reports record arguments that do not match the schema for
// their type. It is an input error, never an internal fault.
type ArgsError struct {
	Type RecordType
	Msg  string
}

func (e *ArgsError) Error() string {
	return fmt.Sprintf("bad %s arguments: %s", e.Type, e.Msg)
}

// NewRData builds the typed payload for t from a named-argument map.
// Extra or missing keys are rejected, integer fields are parsed, IPv6
// addresses are canonicalized, and hostname fields that must be fully
// qualified are checked for a trailing dot.
func NewRData(t RecordType, args map[string]string) (RData, error) {
	order, ok := ArgOrder[t]
	if !ok {
		return nil, &UnknownRecordTypeError{Type: string(t)}
	}
	if len(args) != len(order) {
		return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("want keys %v, got %v", order, sortedKeys(args))}
	}
	vals := make([]string, len(order))
	for i, key := range order {
		v, ok := args[key]
		if !ok {
			return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("missing key %q", key)}
		}
		vals[i] = v
	}

	atoi := func(key, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, &ArgsError{Type: t, Msg: fmt.Sprintf("%s must be a non-negative integer, got %q", key, v)}
		}
		return n, nil
	}

	switch t {
	case TypeSOA:
		serial, err := atoi("serial_number", vals[2])
		if err != nil {
			return nil, err
		}
		refresh, err := atoi("refresh_seconds", vals[3])
		if err != nil {
			return nil, err
		}
		retry, err := atoi("retry_seconds", vals[4])
		if err != nil {
			return nil, err
		}
		expiry, err := atoi("expiry_seconds", vals[5])
		if err != nil {
			return nil, err
		}
		minimum, err := atoi("minimum_seconds", vals[6])
		if err != nil {
			return nil, err
		}
		return SOA{NameServer: vals[0], AdminEmail: vals[1], SerialNumber: serial,
			RefreshSeconds: refresh, RetrySeconds: retry,
			ExpirySeconds: expiry, MinimumSeconds: minimum}, nil
	case TypeNS:
		return NS{NameServer: vals[0]}, nil
	case TypeA:
		ip := net.ParseIP(vals[0])
		if ip == nil || ip.To4() == nil {
			return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("assignment_ip %q is not an IPv4 address", vals[0])}
		}
		return A{AssignmentIP: vals[0]}, nil
	case TypeAAAA:
		canon, err := util.CanonicalIPv6(vals[0])
		if err != nil {
			return nil, &ArgsError{Type: t, Msg: err.Error()}
		}
		return AAAA{AssignmentIP: canon}, nil
	case TypeCNAME:
		if !strings.HasSuffix(vals[0], ".") {
			return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("assignment_host %q must be fully qualified", vals[0])}
		}
		return CNAME{AssignmentHost: vals[0]}, nil
	case TypePTR:
		if !strings.HasSuffix(vals[0], ".") {
			return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("assignment_host %q must be fully qualified", vals[0])}
		}
		return PTR{AssignmentHost: vals[0]}, nil
	case TypeMX:
		prio, err := atoi("priority", vals[0])
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(vals[1], ".") {
			return nil, &ArgsError{Type: t, Msg: fmt.Sprintf("mail_server %q must be fully qualified", vals[1])}
		}
		return MX{Priority: prio, MailServer: vals[1]}, nil
	case TypeTXT:
		text := vals[0]
		if !strings.HasPrefix(text, `"`) || !strings.HasSuffix(text, `"`) || len(text) < 2 {
			text = `"` + strings.Trim(text, `"`) + `"`
		}
		return TXT{QuotedText: text}, nil
	case TypeHINFO:
		return HINFO{Hardware: vals[0], OS: vals[1]}, nil
	case TypeSRV:
		prio, err := atoi("priority", vals[0])
		if err != nil {
			return nil, err
		}
		weight, err := atoi("weight", vals[1])
		if err != nil {
			return nil, err
		}
		port, err := atoi("port", vals[2])
		if err != nil {
			return nil, err
		}
		return SRV{Priority: prio, Weight: weight, Port: port, AssignmentHost: vals[3]}, nil
	}
	return nil, &UnknownRecordTypeError{Type: string(t)}
}

// Args returns the named-argument map for d, the inverse of NewRData.
func Args(d RData) map[string]string {
	order := ArgOrder[d.Type()]
	vals := d.Values()
	m := make(map[string]string, len(order))
	for i, key := range order {
		m[key] = vals[i]
	}
	return m
}

// Identity is the duplicate-detection key of a record: target with "@"
// normalized to the origin, the type, and the argument values. TTL,
// last-user, and view are deliberately excluded.
func (r Record) Identity(origin string) string {
	target := r.Target
	if target == "@" {
		target = origin
	}
	return target + "\x00" + string(r.Data.Type()) + "\x00" + strings.Join(r.Data.Values(), "\x00")
}

// DuplicateRecordError reports two records that are identical after
// normalization.
type DuplicateRecordError struct {
	Zone   string
	Target string
	RType  RecordType
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("duplicate %s record %q in zone %s", e.RType, e.Target, e.Zone)
}

// FindDuplicate returns an error naming the first pair of records in
// recs that collide under Identity, or nil if all are distinct.
func FindDuplicate(recs []Record, origin string) error {
	seen := make(map[string]Record, len(recs))
	for _, r := range recs {
		key := r.Identity(origin)
		if _, ok := seen[key]; ok {
			return &DuplicateRecordError{Zone: r.Zone, Target: r.Target, RType: r.Data.Type()}
		}
		seen[key] = r
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
