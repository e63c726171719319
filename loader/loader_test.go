package loader

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

// stubFactory is a minimal registry.Factory whose descriptors/APs are
// supplied per-test, letting each test build exactly the graph shape
// it wants without a real network-facing plugin.
type stubFactory struct {
	kind        string
	descriptors []registry.DescriptorSpec
	aps         []registry.AccessPointSpec
	buildErr    error
	onStop      func()
}

func (f stubFactory) Kind() string                  { return f.kind }
func (f stubFactory) VersionRange() (uint16, uint16) { return 1, 1 }
func (f stubFactory) ParamSchema() registry.ParamSchema {
	// every descriptor slot doubles as a required string field, since
	// loader.Load reads a descriptor's "plugin.ap" string straight out
	// of params.
	fields := make([]registry.FieldSpec, 0, len(f.descriptors))
	for _, d := range f.descriptors {
		fields = append(fields, registry.FieldSpec{Name: d.Slot, Type: registry.FieldString, Required: !d.Late})
	}
	return registry.ParamSchema{Fields: fields}
}
func (f stubFactory) RequiredDescriptors() []registry.DescriptorSpec  { return f.descriptors }
func (f stubFactory) ExposedAccessPoints() []registry.AccessPointSpec { return f.aps }
func (f stubFactory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	apValues := make(map[string]any, len(f.aps))
	for _, ap := range f.aps {
		apValues[ap.Name] = &namedPlugin{kind: f.kind, ap: ap.Name}
	}
	instance := &namedPlugin{kind: f.kind}
	stop := func() {}
	if f.onStop != nil {
		stop = f.onStop
	}
	return &registry.BuiltPlugin{
		Instance:     instance,
		AccessPoints: apValues,
		Stop:         stop,
	}, nil
}

// namedPlugin is the Instance/AP value every stubFactory produces;
// it optionally implements registry.LateBinder via lateBinder below.
type namedPlugin struct {
	kind      string
	ap        string
	lateBound registry.BoundDescriptors
}

func (p *namedPlugin) BindLate(bound registry.BoundDescriptors) error {
	p.lateBound = bound
	return nil
}

var _ registry.LateBinder = (*namedPlugin)(nil)

func newReg(factories ...registry.Factory) *registry.Registry {
	r := registry.New()
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

func rec(name, kind string, param map[string]any) PluginRecord {
	blob, err := registry.EncodeParam(param)
	if err != nil {
		panic(err)
	}
	return PluginRecord{ID: uuid.New(), Name: name, Kind: kind, Version: 1, Param: blob}
}

// TestLoadNoEntryFails checks that a profile with no entry plugin
// fails with a Config error naming "no entry".
func TestLoadNoEntryFails(t *testing.T) {
	reg := newReg(stubFactory{kind: "leaf", aps: []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}})
	p := Profile{Records: []PluginRecord{rec("a", "leaf", nil)}}

	_, err := Load(reg, p, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
	e, ok := err.(flow.ErrInErr)
	if !ok || e.Kind != flow.KindConfig {
		t.Fatalf("expected Config error, got %v", err)
	}
}

// TestLoadDuplicateNameFails covers the duplicate-plugin-name Config
// error.
func TestLoadDuplicateNameFails(t *testing.T) {
	reg := newReg(stubFactory{kind: "leaf", aps: []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}})
	p := Profile{
		Records: []PluginRecord{rec("a", "leaf", nil), rec("a", "leaf", nil)},
		Entries: []string{"a"},
	}
	if _, err := Load(reg, p, nil, nil); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

// TestLoadUnknownKindFails checks that loading a plugin with an
// unknown kind yields Config{UnknownKind} naming the record, and no
// plugin is instantiated.
func TestLoadUnknownKindFails(t *testing.T) {
	reg := newReg()
	p := Profile{Records: []PluginRecord{rec("a", "nonexistent", nil)}, Entries: []string{"a"}}
	_, err := Load(reg, p, nil, nil)
	if err == nil {
		t.Fatal("expected unknown-kind error")
	}
	e, ok := err.(flow.ErrInErr)
	if !ok || !errors.Is(err, registry.ErrUnknownKind) || !strings.HasPrefix(fmt.Sprint(e.Data), "a: ") {
		t.Fatalf("err = %v, want Config{UnknownKind} naming record a", err)
	}
}

// TestLoadSimpleChainWires builds a two-plugin chain (leaf exposes an
// AP, root depends on it via a strict descriptor) and checks that Load
// resolves the descriptor and publishes the entry's AP.
func TestLoadSimpleChainWires(t *testing.T) {
	leaf := stubFactory{kind: "leaf", aps: []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}}
	root := stubFactory{
		kind:        "root",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}},
		aps:         []registry.AccessPointSpec{{Name: "entry_out", Kind: registry.StreamOutbound}},
	}
	reg := newReg(leaf, root)
	p := Profile{
		Records: []PluginRecord{
			rec("a", "leaf", nil),
			rec("b", "root", map[string]any{"dep": "a.out"}),
		},
		Entries: []string{"b"},
	}
	loaded, err := Load(reg, p, nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Plugins) != 2 {
		t.Fatalf("expected 2 built plugins, got %d", len(loaded.Plugins))
	}
	if _, ok := loaded.Entries["b.entry_out"]; !ok {
		t.Fatalf("expected entry AP b.entry_out published, got %v", loaded.Entries)
	}
}

// TestLoadUnresolvedDescriptorFails covers a descriptor string that
// names a plugin.ap pair which doesn't exist.
func TestLoadUnresolvedDescriptorFails(t *testing.T) {
	root := stubFactory{
		kind:        "root",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	reg := newReg(root)
	p := Profile{
		Records: []PluginRecord{rec("b", "root", map[string]any{"dep": "missing.out"})},
		Entries: []string{"b"},
	}
	if _, err := Load(reg, p, nil, nil); err == nil {
		t.Fatal("expected unresolved-descriptor error")
	}
}

// TestLoadCapabilityMismatchFails checks that a descriptor must bind
// to an AP of matching CapabilityKind.
func TestLoadCapabilityMismatchFails(t *testing.T) {
	leaf := stubFactory{kind: "leaf", aps: []registry.AccessPointSpec{{Name: "out", Kind: registry.ResolverCap}}}
	root := stubFactory{
		kind:        "root",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	reg := newReg(leaf, root)
	p := Profile{
		Records: []PluginRecord{
			rec("a", "leaf", nil),
			rec("b", "root", map[string]any{"dep": "a.out"}),
		},
		Entries: []string{"b"},
	}
	if _, err := Load(reg, p, nil, nil); err == nil {
		t.Fatal("expected capability-mismatch error")
	}
}

// TestLoadStrictCycleFails and TestLoadLateCycleLoads together check
// that a cycle of strict descriptors fails to load, while the same
// cycle with every descriptor late loads.
func TestLoadStrictCycleFails(t *testing.T) {
	a := stubFactory{
		kind:        "a",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	b := stubFactory{
		kind:        "b",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	reg := newReg(a, b)
	p := Profile{
		Records: []PluginRecord{
			rec("x", "a", map[string]any{"dep": "y.out"}),
			rec("y", "b", map[string]any{"dep": "x.out"}),
		},
		Entries: []string{"x"},
	}
	if _, err := Load(reg, p, nil, nil); err == nil {
		t.Fatal("expected strict-cycle rejection")
	}
}

func TestLoadLateCycleLoads(t *testing.T) {
	a := stubFactory{
		kind:        "a",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound, Late: true}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	b := stubFactory{
		kind:        "b",
		descriptors: []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound, Late: true}},
		aps:         []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
	}
	reg := newReg(a, b)
	p := Profile{
		Records: []PluginRecord{
			rec("x", "a", map[string]any{"dep": "y.out"}),
			rec("y", "b", map[string]any{"dep": "x.out"}),
		},
		Entries: []string{"x"},
	}
	loaded, err := Load(reg, p, nil, nil)
	if err != nil {
		t.Fatalf("expected late cycle to load, got %v", err)
	}
	x := loaded.Plugins["x"].Instance.(*namedPlugin)
	if x.lateBound == nil || x.lateBound["dep"] == nil {
		t.Fatal("expected x's late descriptor to be bound")
	}
}

// TestLoadFactoryBuildFailureRollsBack checks the rollback
// requirement: if a later plugin's Build fails, no plugin observes
// traffic — in particular the earlier-built plugin's Stop must run.
func TestLoadFactoryBuildFailureRollsBack(t *testing.T) {
	var stopped bool
	leaf := stubFactory{
		kind: "leaf",
		aps:  []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}},
		onStop: func() { stopped = true },
	}
	failing := failingFactory{}
	reg := newReg(leaf, failing)
	p := Profile{
		// b strictly depends on a's AP so the loader must build a
		// before it ever attempts b, making the rollback assertion
		// below deterministic regardless of map iteration order.
		Records: []PluginRecord{rec("a", "leaf", nil), rec("b", "fail", map[string]any{"dep": "a.out"})},
		Entries: []string{"a"},
	}
	if _, err := Load(reg, p, nil, nil); err == nil {
		t.Fatal("expected build failure to propagate")
	}
	if !stopped {
		t.Fatal("expected previously-built plugin's Stop to run on rollback")
	}
}

// failingFactory always fails Build after the rest of the graph is
// ready, used only to exercise the rollback path above (it never
// itself gets built, so it contributes no Stop call of its own).
type failingFactory struct{}

func (failingFactory) Kind() string                   { return "fail" }
func (failingFactory) VersionRange() (uint16, uint16) { return 1, 1 }
func (failingFactory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{{Name: "dep", Type: registry.FieldString, Required: true}}}
}
func (failingFactory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "dep", Kind: registry.StreamOutbound}}
}
func (failingFactory) ExposedAccessPoints() []registry.AccessPointSpec { return nil }
func (f failingFactory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	return nil, flow.ErrInErr{Kind: flow.KindInternal, ErrDesc: "boom"}
}

func TestParseDescriptorString(t *testing.T) {
	d, err := ParseDescriptorString("plugin.ap")
	if err != nil || d.PluginRef != "plugin" || d.APName != "ap" {
		t.Fatalf("ParseDescriptorString = %+v, %v", d, err)
	}
	if _, err := ParseDescriptorString("noseparator"); err == nil {
		t.Fatal("expected malformed-descriptor error")
	}
	if _, err := ParseDescriptorString(".ap"); err == nil {
		t.Fatal("expected malformed-descriptor error for empty plugin ref")
	}
}
