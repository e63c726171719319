// Package direct implements the direct-outbound sample plugin: it
// dials straight to a flow's destination with no further obfuscation.
package direct

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "direct"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }
func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{}
}
func (Factory) RequiredDescriptors() []registry.DescriptorSpec { return nil }
func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	p := &plugin{dialer: &net.Dialer{}}
	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"out": p},
		Stop:         func() {},
	}, nil
}

type plugin struct {
	dialer *net.Dialer
	logger *zap.Logger
	env    registry.Env
}

func (p *plugin) AttachEnv(env registry.Env) {
	p.logger = env.Logger()
	p.env = env
}

// Open implements flow.StreamOutboundAP: dial dest directly and, if
// initial data was supplied (e.g. a sniffed first request), write it
// before handing back the flow.
func (p *plugin) Open(ctx context.Context, dest flow.Destination, fctx *flow.Context, initial *flow.Buffer) (flow.StreamFlow, error) {
	host := dest.Name
	if host == "" {
		host = dest.IP.String()
	}
	conn, err := p.dialer.DialContext(ctx, networkOrDefault(dest.Network), net.JoinHostPort(host, strconv.Itoa(dest.Port)))
	if err != nil {
		return nil, flow.IOErr(err)
	}
	f := flow.NewPooledNetConnStreamFlow(conn, p.env)
	if initial != nil {
		if err := f.Transmit(ctx, initial); err != nil {
			f.Abort()
			return nil, err
		}
	}
	return f, nil
}

func networkOrDefault(n string) string {
	if n == "" {
		return "tcp"
	}
	return n
}

