package registry

import "testing"

type fakeFactory struct {
	kind     string
	minV     uint16
	maxV     uint16
}

func (f fakeFactory) Kind() string                  { return f.kind }
func (f fakeFactory) VersionRange() (uint16, uint16) { return f.minV, f.maxV }
func (f fakeFactory) ParamSchema() ParamSchema       { return ParamSchema{} }
func (f fakeFactory) RequiredDescriptors() []DescriptorSpec { return nil }
func (f fakeFactory) ExposedAccessPoints() []AccessPointSpec {
	return []AccessPointSpec{{Name: "out", Kind: StreamOutbound}}
}
func (f fakeFactory) Build(params map[string]any, bound BoundDescriptors) (*BuiltPlugin, error) {
	return &BuiltPlugin{Instance: f, AccessPoints: map[string]any{"out": f}, Stop: func() {}}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register(fakeFactory{kind: "widget", minV: 1, maxV: 2})

	f, err := r.Lookup("widget", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f.Kind() != "widget" {
		t.Fatalf("Kind() = %q", f.Kind())
	}

	if _, err := r.Lookup("widget", 3); err == nil {
		t.Fatal("expected version-out-of-range error")
	}
	if _, err := r.Lookup("missing", 1); err == nil {
		t.Fatal("expected unknown-kind error")
	}
}

func TestRegistryDuplicateRegisterPanics(t *testing.T) {
	r := New()
	r.Register(fakeFactory{kind: "widget", minV: 1, maxV: 1})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register(fakeFactory{kind: "widget", minV: 1, maxV: 1})
}

func TestRegistryKindsSorted(t *testing.T) {
	r := New()
	r.Register(fakeFactory{kind: "zeta", minV: 1, maxV: 1})
	r.Register(fakeFactory{kind: "alpha", minV: 1, maxV: 1})
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "alpha" || kinds[1] != "zeta" {
		t.Fatalf("Kinds() = %v, want sorted [alpha zeta]", kinds)
	}
}

func TestRegistryVerifyNeverBuildsOrSideEffects(t *testing.T) {
	r := New()
	r.Register(fakeFactory{kind: "widget", minV: 1, maxV: 1})
	blob, err := EncodeParam(map[string]any{})
	if err != nil {
		t.Fatalf("EncodeParam: %v", err)
	}
	if err := r.Verify("widget", 1, blob); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := r.Verify("missing", 1, blob); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
