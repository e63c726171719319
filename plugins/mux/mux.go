// Package mux implements the mux sample plugin: it multiplexes many
// logical StreamFlows over one physical connection dialed through a
// bound StreamOutbound descriptor, using github.com/xtaci/smux, as a
// standalone plugin any other outbound can sit behind.
package mux

import (
	"context"
	"io"
	"sync"

	"github.com/xtaci/smux"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "mux"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "target", Type: registry.FieldString, Required: true},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "transport", Kind: registry.StreamOutbound}}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	targetStr, _ := params["target"].(string)
	target, err := flow.ParseDestination("tcp", targetStr)
	if err != nil {
		return nil, err
	}
	transport, _ := bound["transport"].(flow.StreamOutboundAP)
	if transport == nil {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "transport descriptor did not resolve to a StreamOutboundAP"}
	}

	p := &plugin{transport: transport, target: target}
	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"out": p},
		Stop:         p.stop,
	}, nil
}

// plugin lazily dials its one underlying physical connection on the
// first Open call and caches the session, opening a new smux stream
// per subsequent Open, each wrapped back into a StreamFlow via
// flow.NewPooledNetConnStreamFlow since *smux.Stream already satisfies
// net.Conn.
type plugin struct {
	transport flow.StreamOutboundAP
	target    flow.Destination
	env       registry.Env

	once    sync.Once
	session *smux.Session
	dialErr error
}

func (p *plugin) AttachEnv(env registry.Env) { p.env = env }

func (p *plugin) stop() {
	if p.session != nil {
		p.session.Close()
	}
}

func (p *plugin) Open(ctx context.Context, dest flow.Destination, fctx *flow.Context, initial *flow.Buffer) (flow.StreamFlow, error) {
	p.once.Do(func() { p.dial(ctx, fctx) })
	if p.dialErr != nil {
		if initial != nil {
			initial.Release()
		}
		return nil, p.dialErr
	}

	stream, err := p.session.OpenStream()
	if err != nil {
		if initial != nil {
			initial.Release()
		}
		return nil, flow.IOErr(err)
	}
	f := flow.NewPooledNetConnStreamFlow(stream, p.env)
	if initial != nil {
		if err := f.Transmit(ctx, initial); err != nil {
			f.Abort()
			return nil, err
		}
	}
	return f, nil
}

func (p *plugin) dial(ctx context.Context, fctx *flow.Context) {
	f, err := p.transport.Open(ctx, p.target, fctx, nil)
	if err != nil {
		p.dialErr = err
		return
	}
	session, err := smux.Client(&flowReadWriteCloser{f: f, pool: p.env}, smux.DefaultConfig())
	if err != nil {
		p.dialErr = flow.IOErr(err)
		return
	}
	p.session = session
}

// flowReadWriteCloser adapts a flow.StreamFlow to io.ReadWriteCloser,
// the shape smux.Client/Server require, buffering leftover bytes
// between Read calls the same way a ticket-based flow and a
// stdlib-style io.Reader disagree on chunking.
type flowReadWriteCloser struct {
	f        flow.StreamFlow
	pool     flow.BufferSource
	leftover []byte
}

func (c *flowReadWriteCloser) Read(p []byte) (int, error) {
	if len(c.leftover) == 0 {
		ticket, err := c.f.RequestReceive(context.Background(), len(p))
		if err != nil {
			return 0, err
		}
		buf, err := ticket.Await(context.Background())
		if err != nil {
			return 0, err
		}
		c.leftover = append(c.leftover[:0], buf.Bytes()...)
		flow.ReleaseBuffer(c.pool, buf)
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *flowReadWriteCloser) Write(p []byte) (int, error) {
	buf, err := flow.AllocateBuffer(c.pool, len(p))
	if err != nil {
		return 0, err
	}
	copy(buf.Bytes(), p)
	if err := c.f.Transmit(context.Background(), buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *flowReadWriteCloser) Close() error { return c.f.Abort() }

var _ io.ReadWriteCloser = (*flowReadWriteCloser)(nil)
var _ flow.StreamOutboundAP = (*plugin)(nil)
