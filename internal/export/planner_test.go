package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bindmgr/internal/model"
	"bindmgr/internal/zonefile"
)

// fakeSource is an in-memory Source for planner tests.
type fakeSource struct {
	id       int64
	zones    map[string]model.Zone
	assigns  map[string][]model.ZoneViewAssignment      // view -> assignments
	records  map[string]map[string][]model.Record       // zone -> view -> records
	viewACLs map[string][]string
	sets     []model.DnsServerSet
	servers  map[string][]model.DnsServer
	setViews map[string][]string
	deps     map[string][]model.ViewDependency
	globals  map[string]string
	cidrs    map[string]string
}

func (f *fakeSource) ID() int64 { return f.id }
func (f *fakeSource) GetZone(name string) (*model.Zone, error) {
	z, ok := f.zones[name]
	if !ok {
		return nil, nil
	}
	return &z, nil
}
func (f *fakeSource) ListZones(view string) ([]model.ZoneViewAssignment, error) {
	return f.assigns[view], nil
}
func (f *fakeSource) ListRecords(zone, view string) ([]model.Record, error) {
	return f.records[zone][view], nil
}
func (f *fakeSource) ListViewACLs(view string) ([]string, error)     { return f.viewACLs[view], nil }
func (f *fakeSource) ListDnsServerSets() ([]model.DnsServerSet, error) { return f.sets, nil }
func (f *fakeSource) ListServersInSet(set string) ([]model.DnsServer, error) {
	return f.servers[set], nil
}
func (f *fakeSource) ListViewsInSet(set string) ([]string, error) { return f.setViews[set], nil }
func (f *fakeSource) ListViewDependencies(view string) ([]model.ViewDependency, error) {
	return f.deps[view], nil
}
func (f *fakeSource) GetGlobalOptions(set string) (string, error) { return f.globals[set], nil }
func (f *fakeSource) ListReverseCIDR(zone string) (string, error) { return f.cidrs[zone], nil }

func soaData() model.RData {
	return model.SOA{NameServer: "ns1.example.com.", AdminEmail: "admin.example.com.",
		SerialNumber: 1, RefreshSeconds: 3600, RetrySeconds: 600,
		ExpirySeconds: 1209600, MinimumSeconds: 300}
}

func baseSource() *fakeSource {
	return &fakeSource{
		id: 42,
		zones: map[string]model.Zone{
			"example.com": {Name: "example.com", Origin: "example.com.", Type: model.ZoneMaster},
		},
		assigns: map[string][]model.ZoneViewAssignment{
			"internal": {{Zone: "example.com", View: "internal"}},
		},
		records: map[string]map[string][]model.Record{
			"example.com": {
				"internal": {
					{Zone: "example.com", View: "internal", Target: "@", TTL: 3600, Data: soaData()},
					{Zone: "example.com", View: "internal", Target: "www", TTL: 300, Data: model.A{AssignmentIP: "10.0.0.1"}},
				},
				"any": {
					{Zone: "example.com", View: "any", Target: "shared", TTL: 300, Data: model.A{AssignmentIP: "10.0.0.9"}},
					// Same identity as the internal www record; the
					// higher-priority view must win.
					{Zone: "example.com", View: "any", Target: "www", TTL: 999, Data: model.A{AssignmentIP: "10.0.0.1"}},
				},
			},
		},
		viewACLs: map[string][]string{"internal": {"trusted"}},
		sets:     []model.DnsServerSet{{Name: "prod"}},
		servers: map[string][]model.DnsServer{
			"prod": {{Name: "ns1", RemoteDir: "/etc/bind", LoginName: "bind"}},
		},
		setViews: map[string][]string{"prod": {"internal"}},
		deps: map[string][]model.ViewDependency{
			"internal": {
				{View: "internal", DependsOn: "internal", Position: 0},
				{View: "internal", DependsOn: "any", Position: 2147483647},
			},
		},
		globals: map[string]string{"prod": `options { directory "/var/named"; };`},
	}
}

func TestPlanMergesDependencyRecords(t *testing.T) {
	src := baseSource()
	p := &Planner{}
	plan, err := p.Plan(src)
	require.NoError(t, err)
	assert.Equal(t, int64(42), plan.AuditID)
	require.Len(t, plan.Servers, 1)

	sd := plan.Servers[0]
	assert.Equal(t, "ns1", sd.Server.Name)
	assert.Equal(t, "prod", sd.ServerSet)
	require.Len(t, sd.Views, 1)

	vd := sd.Views[0]
	assert.Equal(t, "internal", vd.View)
	assert.Equal(t, []string{"trusted"}, vd.ACLs)
	require.Len(t, vd.Zones, 1)

	recs := vd.Zones[0].Records
	require.Len(t, recs, 3, "soa + www + shared, the duplicate www dropped")
	for _, r := range recs {
		assert.Equal(t, "internal", r.View, "merged records carry the owning view")
		if r.Target == "www" {
			assert.Equal(t, 300, r.TTL, "the internal record wins over the any copy")
		}
	}
}

func TestPlanSkipsIncompleteSets(t *testing.T) {
	src := baseSource()
	src.globals = map[string]string{}
	p := &Planner{}
	plan, err := p.Plan(src)
	require.NoError(t, err)
	assert.Empty(t, plan.Servers, "a set without global options exports nothing")

	src = baseSource()
	src.servers = map[string][]model.DnsServer{}
	plan, err = p.Plan(src)
	require.NoError(t, err)
	assert.Empty(t, plan.Servers)
}

func TestPlanMissingSOAAborts(t *testing.T) {
	src := baseSource()
	src.records["example.com"]["internal"] = src.records["example.com"]["internal"][1:]
	p := &Planner{}
	_, err := p.Plan(src)
	var missing *zonefile.MissingSOAError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "no SOA for example.com in view internal", missing.Error())

	p.AllowMissingSOA = true
	_, err = p.Plan(src)
	require.NoError(t, err)
}

func TestPlanSOAInAnyViewAborts(t *testing.T) {
	src := baseSource()
	src.records["example.com"]["any"] = append(src.records["example.com"]["any"],
		model.Record{Zone: "example.com", View: "any", Target: "@", TTL: 1, Data: model.SOA{
			NameServer: "ns2.example.com.", AdminEmail: "admin.example.com.",
			SerialNumber: 2, RefreshSeconds: 1, RetrySeconds: 1, ExpirySeconds: 1, MinimumSeconds: 1}})
	p := &Planner{}
	_, err := p.Plan(src)
	var multi *zonefile.MultipleSOAError
	require.ErrorAs(t, err, &multi)
	assert.Equal(t, 2, multi.Count)
}

func TestPlanDuplicateInViewAborts(t *testing.T) {
	src := baseSource()
	// Different TTL but same identity inside one view.
	src.records["example.com"]["internal"] = append(src.records["example.com"]["internal"],
		model.Record{Zone: "example.com", View: "internal", Target: "www", TTL: 999, Data: model.A{AssignmentIP: "10.0.0.1"}})
	p := &Planner{}
	_, err := p.Plan(src)
	var dup *model.DuplicateRecordError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "www", dup.Target)
}

func TestPlanDuplicateApexSpellingsAbort(t *testing.T) {
	src := baseSource()
	// "@" and the spelled-out origin are the same name.
	src.records["example.com"]["internal"] = append(src.records["example.com"]["internal"],
		model.Record{Zone: "example.com", View: "internal", Target: "@", TTL: 300, Data: model.A{AssignmentIP: "10.0.0.7"}},
		model.Record{Zone: "example.com", View: "internal", Target: "example.com.", TTL: 600, Data: model.A{AssignmentIP: "10.0.0.7"}})
	p := &Planner{}
	_, err := p.Plan(src)
	var dup *model.DuplicateRecordError
	require.ErrorAs(t, err, &dup)
}

func TestPlanDependencyRepeatIsNotDuplicate(t *testing.T) {
	// The www record appears in both internal and any with the same
	// identity; that is shadowing across the closure, not a conflict.
	src := baseSource()
	p := &Planner{}
	_, err := p.Plan(src)
	require.NoError(t, err)
}

func TestPlanReverseZoneCIDRChecked(t *testing.T) {
	src := baseSource()
	src.zones["0.168.192.in-addr.arpa"] = model.Zone{
		Name: "0.168.192.in-addr.arpa", Origin: "0.168.192.in-addr.arpa.",
		Type: model.ZoneMaster, ReverseCIDR: "192.168.0/24"}
	src.assigns["internal"] = append(src.assigns["internal"],
		model.ZoneViewAssignment{Zone: "0.168.192.in-addr.arpa", View: "internal"})
	src.records["0.168.192.in-addr.arpa"] = map[string][]model.Record{
		"internal": {
			{Zone: "0.168.192.in-addr.arpa", View: "internal", Target: "@", TTL: 3600, Data: soaData()},
			{Zone: "0.168.192.in-addr.arpa", View: "internal", Target: "5", TTL: 300, Data: model.PTR{AssignmentHost: "host3.example.com."}},
		},
	}
	p := &Planner{}

	_, err := p.Plan(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CIDR assignment")

	src.cidrs = map[string]string{"0.168.192.in-addr.arpa": "192.168.1/24"}
	_, err = p.Plan(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match CIDR")

	src.cidrs["0.168.192.in-addr.arpa"] = "192.168.0/24"
	_, err = p.Plan(src)
	require.NoError(t, err)
}

func TestPlanUnknownZoneAborts(t *testing.T) {
	src := baseSource()
	src.assigns["internal"] = append(src.assigns["internal"],
		model.ZoneViewAssignment{Zone: "ghost", View: "internal"})
	p := &Planner{}
	_, err := p.Plan(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `zone "ghost"`)
}
