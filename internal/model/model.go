package model

import "time"

// AnyView is the reserved catch-all view. It always exists, every other
// view implicitly depends on it, and it never carries an SOA of its own.
const AnyView = "any"

type View struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ViewDependency names a view whose records are additionally visible
// inside View. Position orders dependencies; lower wins on conflicts.
type ViewDependency struct {
	View      string
	DependsOn string
	Position  int
}

type ACLEntry struct {
	CIDR  string
	Allow bool
}

type ACL struct {
	Name    string
	Entries []ACLEntry
}

type ZoneType string

const (
	ZoneMaster  ZoneType = "master"
	ZoneSlave   ZoneType = "slave"
	ZoneForward ZoneType = "forward"
	ZoneHint    ZoneType = "hint"
)

type Zone struct {
	Name        string
	Origin      string // fully qualified, ends with "."
	Type        ZoneType
	Options     string // opaque BIND options fragment
	ReverseCIDR string // set for in-addr.arpa / ip6.arpa zones
}

// ZoneViewAssignment binds a zone into a view. The same zone may be
// assigned to several views with different options.
type ZoneViewAssignment struct {
	Zone    string
	View    string
	Options string
}

type Record struct {
	Zone      string
	View      string
	Target    string // label relative to origin, or "@"
	TTL       int
	Data      RData
	LastUser  string
	CreatedAt time.Time
}

type DnsServer struct {
	Name          string
	RemoteDir     string
	RemoteTestDir string
	LoginName     string
}

type DnsServerSet struct {
	Name string
}

// DnsServerSetViewAssignment orders the views of a server set. The
// order is authoritative and reappears verbatim in named.conf.
type DnsServerSetViewAssignment struct {
	ServerSet string
	View      string
	Position  int
}

type DnsServerSetAssignment struct {
	Server    string
	ServerSet string
}

type NamedConfGlobalOption struct {
	ServerSet string
	Options   string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID        int64
	Username  string
	Action    string
	ArgBlob   string // JSON array of positional arguments
	Success   bool
	CreatedAt time.Time
}
