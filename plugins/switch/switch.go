// Package switchplugin implements the switch sample plugin: it holds a
// small fixed set of named stream outbound targets and
// dispatches every Open call to whichever one is currently selected,
// swapped atomically via go.uber.org/atomic.Value so a reselect never
// races an in-flight Open. Runtime reselection is exposed as a plain Go
// method on the built instance (Select) rather than any control-plane
// wire protocol, since this module has no FFI/IPC surface of its own.
package switchplugin

import (
	"context"

	"go.uber.org/atomic"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "switch"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "initial", Type: registry.FieldString, Required: true},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{
		{Slot: "choice_a", Kind: registry.StreamOutbound},
		{Slot: "choice_b", Kind: registry.StreamOutbound},
		{Slot: "choice_c", Kind: registry.StreamOutbound},
	}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	choices := map[string]flow.StreamOutboundAP{}
	for _, slot := range []string{"choice_a", "choice_b", "choice_c"} {
		ap, _ := bound[slot].(flow.StreamOutboundAP)
		if ap != nil {
			choices[slot] = ap
		}
	}

	initial, _ := params["initial"].(string)
	target, ok := choices[initial]
	if !ok {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "initial names a choice with no bound target", Data: initial}
	}

	p := &plugin{choices: choices}
	p.current.Store(choice{ap: target})

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"out": p},
		Stop:         func() {},
	}, nil
}

// plugin holds the live selection behind atomic.Value so Open never
// observes a torn read while Select runs concurrently on another
// goroutine.
type plugin struct {
	choices map[string]flow.StreamOutboundAP
	current atomic.Value
}

// choice is the sole concrete type ever Stored in current: atomic.Value
// (and the sync/atomic.Value it embeds) panics with "store of
// inconsistently typed value" the moment two Stores carry different
// concrete dynamic types, which a bare flow.StreamOutboundAP would
// trigger the first time Select swaps between two different plugin
// kinds (e.g. direct's *plugin to router's *router). Wrapping every
// stored value in the same struct type keeps the dynamic type constant
// regardless of which kind ap itself points at.
type choice struct {
	ap flow.StreamOutboundAP
}

func (p *plugin) Open(ctx context.Context, dest flow.Destination, fctx *flow.Context, initial *flow.Buffer) (flow.StreamFlow, error) {
	c, _ := p.current.Load().(choice)
	target := c.ap
	if target == nil {
		if initial != nil {
			initial.Release()
		}
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "switch has no current choice"}
	}
	return target.Open(ctx, dest, fctx, initial)
}

// Select swaps the current choice to the bound target named by slot,
// reporting an error if slot never resolved to a bound target at
// Build time. Every Open already in flight keeps running against
// whichever target it already opened against; only subsequent Opens
// observe the new choice.
func (p *plugin) Select(slot string) error {
	target, ok := p.choices[slot]
	if !ok {
		return flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "unknown switch choice", Data: slot}
	}
	p.current.Store(choice{ap: target})
	return nil
}

var _ flow.StreamOutboundAP = (*plugin)(nil)
