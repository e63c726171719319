package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ytflow/ytflowcore/flow"
)

// BuiltPlugin is what a Factory.Build returns: an opaque handle plus
// its declared access points, already live. The loader passes an
// AccessPoints value through unchanged when wiring a descriptor to it
// (see loader.Load); the consuming factory type-asserts the
// capability-specific view it needs.
type BuiltPlugin struct {
	Instance    any // concrete *T the factory constructed
	AccessPoints map[string]any
	Stop        func() // releases resources; called on teardown/rollback
}

// BoundDescriptors is handed to Factory.Build: a map from slot name
// (as declared in RequiredDescriptors) to the already-built AP value
// the loader resolved the descriptor string to. Late descriptors are
// not present here; they arrive later via LateBinder.BindLate.
type BoundDescriptors map[string]any

// LateBinder is implemented by plugin instances that declared at least
// one late descriptor. The loader calls BindLate once, after every
// plugin in the profile has been instantiated.
type LateBinder interface {
	BindLate(bound BoundDescriptors) error
}

// Factory is a compile-time-registered plugin kind: it declares its
// param schema, the access points every instance of this kind exposes,
// the descriptors every instance requires, and a Build function.
// Factories are value types (often a zero-size struct), one shape
// shared by every plugin kind regardless of whether it behaves more
// like a client or a server.
type Factory interface {
	Kind() string

	// VersionRange returns the inclusive [min,max] u16 range of param
	// blob versions this factory can Build (after internally migrating
	// older blobs forward). A version outside this range is a Config
	// error before Build is ever attempted.
	VersionRange() (min, max uint16)

	ParamSchema() ParamSchema

	RequiredDescriptors() []DescriptorSpec
	ExposedAccessPoints() []AccessPointSpec

	// Build constructs a live instance from validated params and the
	// strict descriptors already resolved. Synchronous; it may start
	// background goroutines (e.g. an accept loop) before returning but
	// must not block on traffic.
	Build(params map[string]any, bound BoundDescriptors) (*BuiltPlugin, error)
}

// Registry is a process-wide, read-only-after-init table from plugin
// kind to Factory. There is no separate "client" vs. "server" map at
// this layer; a plugin simply exposes whichever access points and
// descriptors it wants.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
}

// Global is the process-wide registry instance. Individual plugin
// packages call Global.Register from an init() func.
var Global = New()

func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under its Kind(). Registering two factories
// under the same kind is a programming error and panics immediately,
// since it can only happen at package init time, before any profile is
// loaded.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Kind()]; exists {
		panic(fmt.Sprintf("registry: duplicate factory for kind %q", f.Kind()))
	}
	r.factories[f.Kind()] = f
}

var ErrUnknownKind = flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "unknown plugin kind"}
var ErrVersionOutOfRange = flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "version out of range"}

// Lookup returns the factory for kind, validating that version falls
// within its declared range.
func (r *Registry) Lookup(kind string, version uint16) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		e := ErrUnknownKind
		e.Data = kind
		return nil, e
	}
	min, max := f.VersionRange()
	if version < min || version > max {
		e := ErrVersionOutOfRange
		e.Data = fmt.Sprintf("%s version %d (supported %d-%d)", kind, version, min, max)
		return nil, e
	}
	return f, nil
}

// Kinds returns every registered plugin kind, sorted, for diagnostics
// and the verify surface.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Verify exercises schema validation and Build-independent invariants
// only; it never opens a socket or file. It is used by the host
// editor/UI and by plugin_verify.
func (r *Registry) Verify(kind string, version uint16, paramBlob []byte) error {
	f, err := r.Lookup(kind, version)
	if err != nil {
		return err
	}
	params, err := DecodeParam(paramBlob)
	if err != nil {
		return flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "param decode failed", ErrDetail: err}
	}
	if errs := f.ParamSchema().Validate(params); len(errs) > 0 {
		return flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "schema violation", Data: errs}
	}
	return nil
}
