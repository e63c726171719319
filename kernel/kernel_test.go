package kernel

import (
	"testing"
	"time"

	"github.com/ytflow/ytflowcore/loader"
	"github.com/ytflow/ytflowcore/registry"
)

// leafFactory is a minimal registry.Factory exposing one StreamOutbound
// AP and nothing else, enough to exercise RuntimeLoad/RuntimeStop
// end-to-end without a real socket.
type leafFactory struct{ stopped *bool }

func (leafFactory) Kind() string                   { return "kernel-test-leaf" }
func (leafFactory) VersionRange() (uint16, uint16) { return 1, 1 }
func (leafFactory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{}
}
func (leafFactory) RequiredDescriptors() []registry.DescriptorSpec  { return nil }
func (leafFactory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}
func (f leafFactory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	stop := func() {
		if f.stopped != nil {
			*f.stopped = true
		}
	}
	return &registry.BuiltPlugin{
		Instance:     struct{}{},
		AccessPoints: map[string]any{"out": struct{}{}},
		Stop:         stop,
	}, nil
}

// TestKernelRuntimeLoadAndStop checks that runtime_new then
// runtime_load publishes the entry's access points, and runtime_stop
// tears every plugin down with no worker thread left running.
func TestKernelRuntimeLoadAndStop(t *testing.T) {
	var stopped bool
	reg := registry.New()
	reg.Register(leafFactory{stopped: &stopped})

	blob, err := registry.EncodeParam(nil)
	if err != nil {
		t.Fatalf("EncodeParam: %v", err)
	}
	profile := loader.Profile{
		Records: []loader.PluginRecord{{Name: "a", Kind: "kernel-test-leaf", Version: 1, Param: blob}},
		Entries: []string{"a"},
	}

	k := RuntimeNew(Options{DrainDeadline: 100 * time.Millisecond})
	if err := k.RuntimeLoad(reg, profile); err != nil {
		t.Fatalf("RuntimeLoad: %v", err)
	}
	if !k.IsRunning() {
		t.Fatal("expected kernel to report running after successful load")
	}
	if _, ok := k.EntryAccessPoints()["a.out"]; !ok {
		t.Fatalf("expected entry AP a.out published, got %v", k.EntryAccessPoints())
	}

	// loading a second profile while one is already running is
	// rejected: runtime_load is not reentrant.
	if err := k.RuntimeLoad(reg, profile); err == nil {
		t.Fatal("expected second RuntimeLoad on a running kernel to fail")
	}

	k.RuntimeStop()
	if k.IsRunning() {
		t.Fatal("expected kernel to report stopped after RuntimeStop")
	}
	if !stopped {
		t.Fatal("expected entry plugin's Stop to run during RuntimeStop")
	}
	k.RuntimeFree() // must be a no-op, not panic, when already stopped
}
