// Package reject implements the reject outbound sample plugin: every
// open attempt fails immediately, used to deliberately drop routed
// traffic (e.g. ad-block rules in the router plugin).
package reject

import (
	"context"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "reject"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                             { return Kind }
func (Factory) VersionRange() (uint16, uint16)            { return 1, 1 }
func (Factory) ParamSchema() registry.ParamSchema         { return registry.ParamSchema{} }
func (Factory) RequiredDescriptors() []registry.DescriptorSpec { return nil }
func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	p := &plugin{}
	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"out": p},
		Stop:         func() {},
	}, nil
}

type plugin struct{}

var errRejected = flow.ErrInErr{Kind: flow.KindProtocol, ErrDesc: "rejected by policy"}

func (p *plugin) Open(ctx context.Context, dest flow.Destination, fctx *flow.Context, initial *flow.Buffer) (flow.StreamFlow, error) {
	if initial != nil {
		initial.Release()
	}
	return nil, errRejected
}

var _ flow.StreamOutboundAP = (*plugin)(nil)
