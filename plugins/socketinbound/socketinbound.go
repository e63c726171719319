// Package socketinbound implements the socket-inbound sample plugin:
// listens on a configured address, and for each accepted connection
// builds a FlowContext and opens a StreamFlow via a descriptor to an
// outbound access point, half-duplex copying bytes using
// ticket-receive then transmit.
package socketinbound

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "socket-inbound"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "listen", Type: registry.FieldString, Required: true},
		{Name: "target", Type: registry.FieldString, Required: false},
		{Name: "network", Type: registry.FieldString, Required: false},
		{Name: "proxy_protocol", Type: registry.FieldBool, Required: false},
		{Name: "max_conns", Type: registry.FieldInt, Required: false},
		{Name: "so_mark", Type: registry.FieldInt, Required: false},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "outbound", Kind: registry.StreamOutbound}}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "listener", Kind: registry.Diagnostic}}
}

// ListenerInfo is the value published on the "listener" Diagnostic
// access point, for host introspection (e.g. reading back the ephemeral port
// chosen when listen was "127.0.0.1:0").
type ListenerInfo struct {
	Addr net.Addr
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	listenAddr, _ := params["listen"].(string)
	network, _ := params["network"].(string)
	if network == "" {
		network = "tcp"
	}
	useProxyProto, _ := params["proxy_protocol"].(bool)
	maxConns := 0
	if n, ok := asInt(params["max_conns"]); ok {
		maxConns = int(n)
	}
	fwmark := 0
	if n, ok := asInt(params["so_mark"]); ok {
		fwmark = int(n)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) { setSockOpt(fd, fwmark) })
		},
	}
	ln, err := lc.Listen(context.Background(), network, listenAddr)
	if err != nil {
		return nil, flow.ErrInErr{Kind: flow.KindResource, ErrDesc: "listen failed", ErrDetail: err, Data: listenAddr}
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	outbound, _ := bound["outbound"].(flow.StreamOutboundAP)
	if outbound == nil {
		ln.Close()
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "outbound descriptor did not resolve to a StreamOutboundAP"}
	}

	targetStr, _ := params["target"].(string)
	var target flow.Destination
	if targetStr != "" {
		target, err = flow.ParseDestination(network, targetStr)
		if err != nil {
			ln.Close()
			return nil, err
		}
	}

	p := &plugin{
		ln:            ln,
		outbound:      outbound,
		target:        target,
		hasTarget:     targetStr != "",
		useProxyProto: useProxyProto,
		stopC:         make(chan struct{}),
	}

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"listener": ListenerInfo{Addr: ln.Addr()}},
		Stop:         p.stop,
	}, nil
}

type plugin struct {
	ln            net.Listener
	outbound      flow.StreamOutboundAP
	target        flow.Destination
	hasTarget     bool
	useProxyProto bool

	env    registry.Env
	logger *zap.Logger

	stopC chan struct{}
}

// AttachEnv starts the accept loop; it is only safe to accept
// connections once kernel services (connection table, scheduler,
// cancellation root) are available, which is why the accept loop
// starts here and not in Build.
func (p *plugin) AttachEnv(env registry.Env) {
	p.env = env
	p.logger = env.Logger()
	go p.acceptLoop()
}

func (p *plugin) stop() {
	close(p.stopC)
	p.ln.Close()
}

func (p *plugin) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stopC:
				return
			default:
				if p.logger != nil {
					p.logger.Warn("socket-inbound accept failed", zap.Error(err))
				}
				return
			}
		}
		go p.handle(conn)
	}
}

func (p *plugin) handle(conn net.Conn) {
	token := p.env.NewFlowToken()
	defer token.Cancel(nil)

	if p.useProxyProto {
		pc := proxyproto.NewConn(conn)
		conn = pc
	}

	id, err := p.env.AdmitFlow(Kind, token)
	if err != nil {
		conn.Close()
		if p.logger != nil {
			p.logger.Warn("socket-inbound flow refused", zap.Error(err))
		}
		return
	}
	defer p.env.ReleaseFlow(id)

	remote := p.target
	if !p.hasTarget {
		remote, _ = flow.ParseDestination("tcp", conn.RemoteAddr().String())
	}

	fctx := flow.NewContext(flow.LocalRemote{
		Local:  addrToDestination(conn.LocalAddr()),
		Remote: remote,
	}, time.Now())

	inFlow := flow.NewPooledNetConnStreamFlow(conn, p.env)

	ctx := token.Context()
	outFlow, err := p.outbound.Open(ctx, remote, fctx, nil)
	if err != nil {
		inFlow.Abort()
		if p.logger != nil {
			p.logger.Warn("socket-inbound outbound open failed", zap.Error(err))
		}
		return
	}

	relay(ctx, inFlow, outFlow)
}

// relay pumps bytes in both directions using ticket-receive then
// transmit until either side signals EOF/error or ctx is cancelled.
func relay(ctx context.Context, a, b flow.StreamFlow) {
	done := make(chan struct{}, 2)
	go func() { pump(ctx, a, b); done <- struct{}{} }()
	go func() { pump(ctx, b, a); done <- struct{}{} }()
	<-done
	<-done
	a.Abort()
	b.Abort()
}

func pump(ctx context.Context, from, to flow.StreamFlow) {
	for {
		ticket, err := from.RequestReceive(ctx, flow.ClassMedium-flow.DefaultHeadroom)
		if err != nil {
			to.CloseWrite(ctx)
			return
		}
		buf, err := ticket.Await(ctx)
		if err != nil {
			to.CloseWrite(ctx)
			return
		}
		if err := to.Transmit(ctx, buf); err != nil {
			return
		}
	}
}

func addrToDestination(a net.Addr) flow.Destination {
	if a == nil {
		return flow.Destination{}
	}
	d, err := flow.ParseDestination(a.Network(), a.String())
	if err != nil {
		return flow.Destination{}
	}
	return d
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
