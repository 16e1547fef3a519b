// Package api is the state-mutating call surface of the management
// plane. Every operation is dispatched by name through a registry,
// validated, executed under the single-writer gate, and recorded in the
// audit log. The same registry is what the recovery engine replays
// audit entries against.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"bindmgr/internal/database"
	"bindmgr/internal/model"
	"bindmgr/internal/util"
)

// ExportAction is the audited action name of a full tree export. It is
// side-effectful on the filesystem rather than the database, which is
// why replay skips it.
const ExportAction = "ExportAllBindTrees"

// ForbiddenReplayActions are never re-invoked during recovery.
var ForbiddenReplayActions = map[string]bool{
	ExportAction: true,
}

// UnknownActionError reports a dispatch against an action name the
// surface does not provide.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// ArityError reports a call with the wrong number of positional
// arguments.
type ArityError struct {
	Action string
	Want   int
	Got    int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("action %s wants %d argument(s), got %d", e.Action, e.Want, e.Got)
}

// Exporter runs a full export pass. The concrete implementation lives
// in internal/export; the surface only needs the trigger.
type Exporter interface {
	ExportAllBindTrees(ctx context.Context) error
}

type Surface struct {
	db       *database.DB
	exporter Exporter
	registry map[string]action
}

type action struct {
	arity int
	fn    func(ctx context.Context, user string, m *database.Mutator, args []string) error
}

func NewSurface(db *database.DB, exporter Exporter) *Surface {
	s := &Surface{db: db, exporter: exporter}
	s.registry = map[string]action{
		"MakeView":                  {1, s.makeView},
		"RemoveView":                {1, s.removeView},
		"UpdateViewName":            {2, s.updateViewName},
		"MakeViewDependency":        {3, s.makeViewDependency},
		"MakeACL":                   {1, s.makeACL},
		"MakeACLEntry":              {3, s.makeACLEntry},
		"AssignACLToView":           {2, s.assignACLToView},
		"MakeZone":                  {5, s.makeZone},
		"AssignZoneToView":          {3, s.assignZoneToView},
		"MakeRecord":                {6, s.makeRecord},
		"RemoveRecord":              {5, s.removeRecord},
		"MakeDnsServer":             {4, s.makeDnsServer},
		"MakeDnsServerSet":          {1, s.makeDnsServerSet},
		"AssignDnsServerToSet":      {2, s.assignDnsServerToSet},
		"AssignViewToServerSet":     {3, s.assignViewToServerSet},
		"SetNamedConfGlobalOptions": {2, s.setGlobalOptions},
	}
	return s
}

// Actions lists the registered action names, for diagnostics.
func (s *Surface) Actions() []string {
	names := make([]string, 0, len(s.registry)+1)
	for n := range s.registry {
		names = append(names, n)
	}
	names = append(names, ExportAction)
	return names
}

// Call dispatches an action, audits the outcome, and returns the
// action's error. The audit row is written whether or not the action
// succeeded.
func (s *Surface) Call(ctx context.Context, user, name string, args []string) error {
	err := s.Dispatch(ctx, user, name, args)
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	if _, auditErr := s.db.AppendAudit(ctx, user, name, anyArgs, err == nil); auditErr != nil {
		log.Printf("audit append failed for %s: %v", name, auditErr)
		if err == nil {
			err = fmt.Errorf("action succeeded but audit append failed: %w", auditErr)
		}
	}
	return err
}

// Dispatch runs an action without touching the audit log. Recovery
// replays through here so the tape is not re-recorded.
func (s *Surface) Dispatch(ctx context.Context, user, name string, args []string) error {
	if name == ExportAction {
		if len(args) != 0 {
			return &ArityError{Action: name, Want: 0, Got: len(args)}
		}
		if s.exporter == nil {
			return fmt.Errorf("no exporter wired to the surface")
		}
		return s.exporter.ExportAllBindTrees(ctx)
	}
	act, ok := s.registry[name]
	if !ok {
		return &UnknownActionError{Action: name}
	}
	if len(args) != act.arity {
		return &ArityError{Action: name, Want: act.arity, Got: len(args)}
	}
	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		return act.fn(ctx, user, database.NewMutator(tx), args)
	})
}

func (s *Surface) makeView(ctx context.Context, user string, m *database.Mutator, args []string) error {
	name := args[0]
	if err := checkViewName(name); err != nil {
		return err
	}
	return m.CreateView(name)
}

func (s *Surface) removeView(ctx context.Context, user string, m *database.Mutator, args []string) error {
	if args[0] == model.AnyView {
		return fmt.Errorf("the reserved view %q cannot be removed", model.AnyView)
	}
	return m.DeleteView(args[0])
}

func (s *Surface) updateViewName(ctx context.Context, user string, m *database.Mutator, args []string) error {
	oldName, newName := args[0], args[1]
	if oldName == model.AnyView {
		return fmt.Errorf("the reserved view %q cannot be renamed", model.AnyView)
	}
	if err := checkViewName(newName); err != nil {
		return err
	}
	return m.RenameView(oldName, newName)
}

func (s *Surface) makeViewDependency(ctx context.Context, user string, m *database.Mutator, args []string) error {
	pos, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("dependency position %q is not an integer", args[2])
	}
	return m.AddViewDependency(args[0], args[1], pos)
}

func (s *Surface) makeACL(ctx context.Context, user string, m *database.Mutator, args []string) error {
	if args[0] == "" {
		return fmt.Errorf("acl name must not be empty")
	}
	return m.CreateACL(args[0])
}

func (s *Surface) makeACLEntry(ctx context.Context, user string, m *database.Mutator, args []string) error {
	acl, cidr := args[0], args[1]
	if _, err := util.ParseReverseCIDR(cidr); err != nil {
		return err
	}
	allow, err := strconv.ParseBool(args[2])
	if err != nil {
		return fmt.Errorf("allow flag %q is not a boolean", args[2])
	}
	return m.AddACLEntry(acl, cidr, allow)
}

func (s *Surface) assignACLToView(ctx context.Context, user string, m *database.Mutator, args []string) error {
	return m.BindViewACL(args[0], args[1])
}

func (s *Surface) makeZone(ctx context.Context, user string, m *database.Mutator, args []string) error {
	z := model.Zone{
		Name:        args[0],
		Origin:      args[1],
		Type:        model.ZoneType(args[2]),
		Options:     args[3],
		ReverseCIDR: args[4],
	}
	if z.Name == "" {
		return fmt.Errorf("zone name must not be empty")
	}
	if !strings.HasSuffix(z.Origin, ".") {
		return fmt.Errorf("zone origin %q must end with a dot", z.Origin)
	}
	switch z.Type {
	case model.ZoneMaster, model.ZoneSlave, model.ZoneForward, model.ZoneHint:
	default:
		return fmt.Errorf("unknown zone type %q", args[2])
	}
	if util.IsReverseOrigin(z.Origin) {
		if z.ReverseCIDR == "" {
			return fmt.Errorf("reverse zone %q needs a CIDR assignment", z.Name)
		}
		if err := util.CheckReverseAssignment(z.Origin, z.ReverseCIDR); err != nil {
			return err
		}
	} else if z.ReverseCIDR != "" {
		return fmt.Errorf("zone %q is not a reverse zone but has CIDR %q", z.Name, z.ReverseCIDR)
	}
	return m.CreateZone(z)
}

func (s *Surface) assignZoneToView(ctx context.Context, user string, m *database.Mutator, args []string) error {
	return m.AssignZoneToView(args[0], args[1], args[2])
}

// makeRecord args: zone, view, target, type, ttl, argsJSON.
func (s *Surface) makeRecord(ctx context.Context, user string, m *database.Mutator, args []string) error {
	rec, err := recordFromArgs(args)
	if err != nil {
		return err
	}
	rec.LastUser = user
	if rec.Data.Type() == model.TypeSOA {
		if rec.View == model.AnyView {
			return fmt.Errorf("SOA records are not allowed in the reserved view %q", model.AnyView)
		}
		if rec.Target != "@" {
			return fmt.Errorf("SOA target must be @, got %q", rec.Target)
		}
	}
	return m.CreateRecord(rec)
}

// removeRecord args: zone, view, target, type, argsJSON.
func (s *Surface) removeRecord(ctx context.Context, user string, m *database.Mutator, args []string) error {
	rec, err := recordFromArgs([]string{args[0], args[1], args[2], args[3], "0", args[4]})
	if err != nil {
		return err
	}
	return m.DeleteRecord(rec)
}

func recordFromArgs(args []string) (model.Record, error) {
	ttl, err := strconv.Atoi(args[4])
	if err != nil || ttl < 0 {
		return model.Record{}, fmt.Errorf("ttl %q is not a non-negative integer", args[4])
	}
	var argMap map[string]string
	if err := json.Unmarshal([]byte(args[5]), &argMap); err != nil {
		return model.Record{}, fmt.Errorf("record arguments are not a JSON object: %w", err)
	}
	data, err := model.NewRData(model.RecordType(args[3]), argMap)
	if err != nil {
		return model.Record{}, err
	}
	if args[2] == "" {
		return model.Record{}, fmt.Errorf("record target must not be empty")
	}
	return model.Record{
		Zone:   args[0],
		View:   args[1],
		Target: args[2],
		TTL:    ttl,
		Data:   data,
	}, nil
}

func (s *Surface) makeDnsServer(ctx context.Context, user string, m *database.Mutator, args []string) error {
	srv := model.DnsServer{
		Name:          args[0],
		RemoteDir:     args[1],
		RemoteTestDir: args[2],
		LoginName:     args[3],
	}
	if srv.Name == "" || srv.RemoteDir == "" || srv.LoginName == "" {
		return fmt.Errorf("dns server needs a name, a remote directory, and a login name")
	}
	return m.CreateDnsServer(srv)
}

func (s *Surface) makeDnsServerSet(ctx context.Context, user string, m *database.Mutator, args []string) error {
	if args[0] == "" {
		return fmt.Errorf("server set name must not be empty")
	}
	return m.CreateDnsServerSet(args[0])
}

func (s *Surface) assignDnsServerToSet(ctx context.Context, user string, m *database.Mutator, args []string) error {
	return m.AssignServerToSet(args[0], args[1])
}

func (s *Surface) assignViewToServerSet(ctx context.Context, user string, m *database.Mutator, args []string) error {
	pos, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("view position %q is not an integer", args[2])
	}
	ok, err := m.ViewExists(args[1])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("view %q does not exist", args[1])
	}
	return m.AssignViewToSet(args[0], args[1], pos)
}

func (s *Surface) setGlobalOptions(ctx context.Context, user string, m *database.Mutator, args []string) error {
	return m.SetGlobalOptions(args[0], args[1])
}

func checkViewName(name string) error {
	if name == "" {
		return fmt.Errorf("view name must not be empty")
	}
	if name == model.AnyView {
		return fmt.Errorf("view name %q is reserved", model.AnyView)
	}
	if strings.ContainsAny(name, " \t\"{};") {
		return fmt.Errorf("view name %q contains characters not allowed in named.conf", name)
	}
	return nil
}
