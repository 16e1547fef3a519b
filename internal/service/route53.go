// Package service holds integrations with external providers. The only
// one today is the Route53 mirror, which republishes selected master
// zones after a successful export.
package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"bindmgr/internal/config"
	"bindmgr/internal/export"
	"bindmgr/internal/model"
)

// Route53Mirror upserts the records of configured master zones into
// their hosted zone counterparts. It is one-way: records removed here
// are not deleted upstream.
type Route53Mirror struct {
	client *route53.Client
	zones  map[string]string // zone name -> hosted zone id
}

func NewRoute53Mirror(cfg config.MirrorConfig) (*Route53Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	zones := make(map[string]string)
	for _, z := range cfg.Zones {
		zones[z.Zone] = extractZoneID(z.HostedZoneID)
	}

	return &Route53Mirror{
		client: route53.NewFromConfig(awsCfg),
		zones:  zones,
	}, nil
}

// Publish pushes every configured zone present in the plan. The first
// emission of a zone wins; per-view variants beyond it are skipped
// since a hosted zone has no view concept.
func (m *Route53Mirror) Publish(ctx context.Context, plan *export.Plan) error {
	published := make(map[string]bool)
	for _, sd := range plan.Servers {
		for _, vd := range sd.Views {
			for _, ze := range vd.Zones {
				hostedZoneID, ok := m.zones[ze.Zone.Name]
				if !ok || published[ze.Zone.Name] {
					continue
				}
				if ze.Zone.Type != model.ZoneMaster {
					continue
				}
				if err := m.publishZone(ctx, hostedZoneID, ze); err != nil {
					return fmt.Errorf("mirror of zone %s: %w", ze.Zone.Name, err)
				}
				published[ze.Zone.Name] = true
			}
		}
	}
	return nil
}

func (m *Route53Mirror) publishZone(ctx context.Context, hostedZoneID string, ze export.ZoneEmission) error {
	sets := buildRecordSets(ze.Zone.Origin, ze.Records)
	if len(sets) == 0 {
		return nil
	}

	var changes []types.Change
	for _, rrs := range sets {
		changes = append(changes, types.Change{
			Action:            types.ChangeActionUpsert,
			ResourceRecordSet: rrs,
		})
	}

	_, err := m.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("Mirrored by bindmgr"),
			Changes: changes,
		},
	})
	if err != nil {
		return err
	}
	log.Printf("mirror: upserted %d record set(s) into hosted zone %s", len(changes), hostedZoneID)
	return nil
}

// buildRecordSets groups records by (name, type) into Route53 record
// sets. SOA and NS at the apex stay under Route53's control and types
// it does not serve are dropped.
func buildRecordSets(origin string, records []model.Record) []*types.ResourceRecordSet {
	type key struct {
		name  string
		rtype string
	}
	grouped := make(map[key]*types.ResourceRecordSet)
	var order []key

	for _, rec := range records {
		rtype := strings.ToUpper(string(rec.Data.Type()))
		if !mirroredTypes[rtype] {
			continue
		}
		name := absoluteName(rec.Target, origin)
		if name == origin && (rtype == "SOA" || rtype == "NS") {
			continue
		}
		k := key{name: name, rtype: rtype}
		rrs, ok := grouped[k]
		if !ok {
			rrs = &types.ResourceRecordSet{
				Name: aws.String(name),
				Type: types.RRType(rtype),
				TTL:  aws.Int64(int64(rec.TTL)),
			}
			grouped[k] = rrs
			order = append(order, k)
		}
		rrs.ResourceRecords = append(rrs.ResourceRecords, types.ResourceRecord{
			Value: aws.String(strings.Join(rec.Data.Values(), " ")),
		})
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].name != order[j].name {
			return order[i].name < order[j].name
		}
		return order[i].rtype < order[j].rtype
	})
	sets := make([]*types.ResourceRecordSet, 0, len(order))
	for _, k := range order {
		sets = append(sets, grouped[k])
	}
	return sets
}

var mirroredTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "MX": true,
	"NS": true, "PTR": true, "SOA": true, "SRV": true, "TXT": true,
}

// absoluteName qualifies a record target against the origin, which is
// already fully qualified.
func absoluteName(target, origin string) string {
	if target == "@" {
		return origin
	}
	if strings.HasSuffix(target, ".") {
		return target
	}
	return target + "." + origin
}

func extractZoneID(fullID string) string {
	parts := strings.Split(fullID, "/")
	return parts[len(parts)-1]
}
