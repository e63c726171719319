package loader

import (
	"fmt"
	"strings"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
	"go.uber.org/zap"
)

// Descriptor is a factory-declared requirement, resolved by Load into
// a reference to another plugin's AP.
type Descriptor struct {
	PluginRef string // "plugin_name"
	APName    string
}

// ParseDescriptorString splits a "plugin.ap" path. This is the only
// addressing syntax a descriptor value may use.
func ParseDescriptorString(s string) (Descriptor, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Descriptor{}, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "malformed descriptor string", Data: s}
	}
	return Descriptor{PluginRef: s[:i], APName: s[i+1:]}, nil
}

// Loaded is the result of a successful Load: the built plugins (keyed
// by name) and the access points the entry set exposes for traffic
// admission.
type Loaded struct {
	Plugins map[string]*registry.BuiltPlugin
	Entries map[string]any // AP name -> AP value, across all entry plugins, prefixed "plugin.ap"
}

// parsedRecord is a PluginRecord plus everything decoded/looked-up
// from it during step 1.
type parsedRecord struct {
	rec          PluginRecord
	factory      registry.Factory
	params       map[string]any
	descriptors  map[string]registry.DescriptorSpec // slot -> spec
	descValues   map[string]string                   // slot -> "plugin.ap" string from param
	accessPoints []registry.AccessPointSpec
}

// Load runs the six-step wiring algorithm against reg: parse &
// validate, name resolution, cycle check, topological instantiation,
// late binding, then entry publication. On any failure before entry
// publication, every plugin instantiated so far is torn down in
// reverse order and the error is returned; no plugin observes traffic.
func Load(reg *registry.Registry, p Profile, env registry.Env, logger *zap.Logger) (*Loaded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	byName, dupes := p.ByName()
	if len(dupes) > 0 {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "duplicate plugin name", Data: dupes}
	}
	if len(p.Entries) == 0 {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "no entry"}
	}
	for _, e := range p.Entries {
		if _, ok := byName[e]; !ok {
			return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "entry names unknown plugin", Data: e}
		}
	}

	// step 1: parse & validate
	parsed := make(map[string]*parsedRecord, len(byName))
	for name, rec := range byName {
		f, err := reg.Lookup(rec.Kind, rec.Version)
		if err != nil {
			return nil, annotate(err, name)
		}
		params, err := registry.DecodeParam(rec.Param)
		if err != nil {
			return nil, flow.ConfigErr("param decode failed", name, "", err)
		}
		if errs := f.ParamSchema().Validate(params); len(errs) > 0 {
			return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "schema violation", Data: errs}
		}

		descSpecs := make(map[string]registry.DescriptorSpec, len(f.RequiredDescriptors()))
		descValues := make(map[string]string, len(descSpecs))
		for _, ds := range f.RequiredDescriptors() {
			descSpecs[ds.Slot] = ds
			raw, ok := params[ds.Slot]
			if !ok {
				return nil, flow.ConfigErr("missing descriptor", name, ds.Slot, nil)
			}
			s, ok := raw.(string)
			if !ok {
				return nil, flow.ConfigErr("descriptor field must be a string", name, ds.Slot, nil)
			}
			descValues[ds.Slot] = s
		}

		parsed[name] = &parsedRecord{
			rec:          rec,
			factory:      f,
			params:       params,
			descriptors:  descSpecs,
			descValues:   descValues,
			accessPoints: f.ExposedAccessPoints(),
		}
	}

	// step 2: name resolution — every descriptor string must resolve
	// to a declared AP of matching CapabilityKind.
	apKind := func(pluginName, apName string) (registry.CapabilityKind, bool) {
		pr, ok := parsed[pluginName]
		if !ok {
			return registry.CapabilityUnknown, false
		}
		for _, ap := range pr.accessPoints {
			if ap.Name == apName {
				return ap.Kind, true
			}
		}
		return registry.CapabilityUnknown, false
	}

	for name, pr := range parsed {
		for slot, raw := range pr.descValues {
			d, err := ParseDescriptorString(raw)
			if err != nil {
				return nil, annotate(err, name)
			}
			kind, ok := apKind(d.PluginRef, d.APName)
			if !ok {
				return nil, flow.ConfigErr("unresolved descriptor", name, slot, nil)
			}
			want := pr.descriptors[slot].Kind
			if !want.Matches(kind) {
				return nil, flow.ConfigErr("capability mismatch", name, slot, nil)
			}
		}
	}

	// step 3: cycle check over strict (non-late) descriptor edges.
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	g := newGraph(names)
	for name, pr := range parsed {
		for slot, raw := range pr.descValues {
			d, _ := ParseDescriptorString(raw)
			spec := pr.descriptors[slot]
			g.addEdge(edge{From: name, To: d.PluginRef, Late: spec.Late})
		}
	}
	if illegal := g.illegalCycles(); len(illegal) > 0 {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "cycle without late edge", Data: illegal}
	}

	// step 4: topological instantiation — repeatedly build plugins
	// whose strict descriptors are all satisfied.
	built := make(map[string]*registry.BuiltPlugin, len(parsed))
	apValues := make(map[string]map[string]any, len(parsed)) // plugin -> ap name -> value
	var buildOrder []string // for rollback, reverse order

	remaining := make(map[string]*parsedRecord, len(parsed))
	for k, v := range parsed {
		remaining[k] = v
	}

	rollback := func(cause error) error {
		for i := len(buildOrder) - 1; i >= 0; i-- {
			name := buildOrder[i]
			if bp := built[name]; bp != nil && bp.Stop != nil {
				func() {
					defer func() { recover() }()
					bp.Stop()
				}()
			}
		}
		return cause
	}

	for len(remaining) > 0 {
		progressed := false
		for name, pr := range remaining {
			ready := true
			bound := make(registry.BoundDescriptors, len(pr.descValues))
			for slot, raw := range pr.descValues {
				spec := pr.descriptors[slot]
				if spec.Late {
					continue
				}
				d, _ := ParseDescriptorString(raw)
				depAPs, ok := apValues[d.PluginRef]
				if !ok {
					ready = false
					break
				}
				bound[slot] = depAPs[d.APName]
			}
			if !ready {
				continue
			}

			bp, err := pr.factory.Build(pr.params, bound)
			if err != nil {
				return nil, rollback(flow.ConfigErr("factory build failed", name, "", err))
			}
			if env != nil {
				if ka, ok := bp.Instance.(registry.KernelAware); ok {
					ka.AttachEnv(env)
				}
			}
			built[name] = bp
			apValues[name] = bp.AccessPoints
			buildOrder = append(buildOrder, name)
			delete(remaining, name)
			progressed = true
		}
		if !progressed {
			// every remaining plugin is waiting on a strict descriptor
			// that can never become ready; this is an internal
			// invariant violation since step 3 already proved the
			// strict-edge graph acyclic.
			return nil, rollback(flow.ErrInErr{Kind: flow.KindInternal, ErrDesc: "topological instantiation stalled"})
		}
	}

	// step 5: late binding.
	for name, pr := range parsed {
		lateBound := make(registry.BoundDescriptors)
		hasLate := false
		for slot, raw := range pr.descValues {
			spec := pr.descriptors[slot]
			if !spec.Late {
				continue
			}
			hasLate = true
			d, _ := ParseDescriptorString(raw)
			depAPs := apValues[d.PluginRef]
			lateBound[slot] = depAPs[d.APName]
		}
		if !hasLate {
			continue
		}
		binder, ok := built[name].Instance.(registry.LateBinder)
		if !ok {
			return nil, rollback(flow.ErrInErr{Kind: flow.KindInternal, ErrDesc: "plugin declared late descriptor but does not implement LateBinder", Data: name})
		}
		if err := binder.BindLate(lateBound); err != nil {
			return nil, rollback(flow.ConfigErr("late bind failed", name, "", err))
		}
	}

	// step 6: entry publication.
	entries := make(map[string]any)
	for _, entryName := range p.Entries {
		for apName, v := range apValues[entryName] {
			entries[entryName+"."+apName] = v
		}
	}

	logger.Info("profile loaded", zap.Int("plugins", len(built)), zap.Strings("entries", p.Entries))

	return &Loaded{Plugins: built, Entries: entries}, nil
}

func annotate(err error, pluginName string) error {
	if e, ok := err.(flow.ErrInErr); ok {
		if e.Data == nil {
			e.Data = pluginName
		} else {
			e.Data = fmt.Sprintf("%s: %v", pluginName, e.Data)
		}
		return e
	}
	return err
}
