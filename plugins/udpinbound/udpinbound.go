// Package udpinbound implements the udp-inbound sample plugin: it
// binds one UDP socket, demultiplexes datagrams by sender address into
// per-peer DatagramSessions, and pushes each newly seen peer's session
// into a bound DatagramInbound descriptor — the datagram counterpart of
// socket-inbound's per-connection accept loop, grounded in
// original_source's plugin/socket/udp_listener.rs.
package udpinbound

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "udp-inbound"

// DefaultIdleTimeout matches the 120-second idle window
// udp_listener.rs hardcodes for its MultiplexedDatagramSessionAdapter.
const DefaultIdleTimeout = 120 * time.Second

// readBufferSize bounds one datagram read; UDP payloads larger than
// this are truncated by the kernel same as any fixed-size recvfrom.
const readBufferSize = flow.ClassMedium - flow.DefaultHeadroom

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "listen", Type: registry.FieldString, Required: true},
		{Name: "idle_timeout_ms", Type: registry.FieldInt, Required: false},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "target", Kind: registry.DatagramInbound}}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "listener", Kind: registry.Diagnostic}}
}

// ListenerInfo is the value published on the "listener" Diagnostic
// access point, mirroring socket-inbound's for host introspection.
type ListenerInfo struct {
	Addr net.Addr
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	listenAddr, _ := params["listen"].(string)
	idleTimeout := DefaultIdleTimeout
	if ms, ok := asInt(params["idle_timeout_ms"]); ok && ms > 0 {
		idleTimeout = time.Duration(ms) * time.Millisecond
	}

	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, flow.ErrInErr{Kind: flow.KindResource, ErrDesc: "udp listen failed", ErrDetail: err, Data: listenAddr}
	}

	target, _ := bound["target"].(flow.DatagramInboundAP)
	if target == nil {
		conn.Close()
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "target descriptor did not resolve to a DatagramInboundAP"}
	}

	p := &plugin{
		conn:        conn,
		target:      target,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*udpSession),
		stopC:       make(chan struct{}),
	}

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"listener": ListenerInfo{Addr: conn.LocalAddr()}},
		Stop:         p.stop,
	}, nil
}

type plugin struct {
	conn        net.PacketConn
	target      flow.DatagramInboundAP
	idleTimeout time.Duration

	env    registry.Env
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*udpSession

	stopC chan struct{}
}

// AttachEnv starts the read loop, same reasoning as socket-inbound: it
// is only safe to admit flows once kernel services exist.
func (p *plugin) AttachEnv(env registry.Env) {
	p.env = env
	p.logger = env.Logger()
	go p.readLoop()
}

func (p *plugin) stop() {
	close(p.stopC)
	p.conn.Close()
}

func (p *plugin) readLoop() {
	for {
		buf, err := flow.AllocateBuffer(p.env, readBufferSize)
		if err != nil {
			select {
			case <-p.stopC:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		n, addr, err := p.conn.ReadFrom(buf.Bytes())
		if err != nil {
			flow.ReleaseBuffer(p.env, buf)
			select {
			case <-p.stopC:
				return
			default:
				if p.logger != nil {
					p.logger.Warn("udp-inbound read failed", zap.Error(err))
				}
				return
			}
		}
		buf.Resize(n)
		p.handlePacket(addr, buf)
	}
}

func (p *plugin) handlePacket(addr net.Addr, buf *flow.Buffer) {
	key := addr.String()

	p.mu.Lock()
	sess, existed := p.sessions[key]
	if !existed {
		sess = newUDPSession(p, addr, key)
		p.sessions[key] = sess
	}
	p.mu.Unlock()

	sess.deliver(buf)

	if !existed {
		p.env.Schedule(func() { p.admit(sess) })
	}
}

// admit registers the new peer session in the connection table and
// pushes it through the bound DatagramInbound descriptor, run off the
// read loop's own goroutine so a slow/blocking Push never stalls
// reception of the next datagram.
func (p *plugin) admit(sess *udpSession) {
	token := p.env.NewFlowToken()
	id, err := p.env.AdmitFlow(Kind, token)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("udp-inbound flow refused", zap.Error(err))
		}
		sess.Close()
		return
	}

	sess.mu.Lock()
	sess.flowID = id
	sess.admitted = true
	sess.mu.Unlock()

	go func() {
		<-token.Done()
		sess.Close()
	}()

	fctx := flow.NewContext(flow.LocalRemote{
		Local:  addrToDestination(p.conn.LocalAddr()),
		Remote: sess.peerDest,
	}, time.Now())

	if err := p.target.Push(token.Context(), sess, fctx); err != nil {
		if p.logger != nil {
			p.logger.Warn("udp-inbound push failed", zap.Error(err))
		}
		token.Cancel(err)
	}
}

func (p *plugin) forget(key string) {
	p.mu.Lock()
	delete(p.sessions, key)
	p.mu.Unlock()
}

func addrToDestination(a net.Addr) flow.Destination {
	if a == nil {
		return flow.Destination{}
	}
	d, err := flow.ParseDestination("udp", a.String())
	if err != nil {
		return flow.Destination{}
	}
	return d
}

func destinationToUDPAddr(d flow.Destination) (*net.UDPAddr, error) {
	if d.IP == nil {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "datagram destination must be a resolved IP", Data: d.String()}
	}
	return &net.UDPAddr{IP: d.IP, Port: d.Port}, nil
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

// udpSession is one peer's DatagramSession, backed by the shared
// listening socket. Order per peer is preserved by the single
// buffered inbox channel; a full inbox drops the newest datagram
// rather than blocking the read loop, matching spec's "lossy,
// best-effort" contract.
type udpSession struct {
	p        *plugin
	peer     net.Addr
	peerDest flow.Destination
	key      string

	inbox chan *flow.Buffer

	idleTimer *time.Timer

	mu       sync.Mutex
	closed   bool
	admitted bool
	flowID   flow.FlowID
	closeC   chan struct{}
}

const sessionInboxSize = 64

func newUDPSession(p *plugin, addr net.Addr, key string) *udpSession {
	s := &udpSession{
		p:        p,
		peer:     addr,
		peerDest: addrToDestination(addr),
		key:      key,
		inbox:    make(chan *flow.Buffer, sessionInboxSize),
		closeC:   make(chan struct{}),
	}
	s.idleTimer = time.AfterFunc(p.idleTimeout, func() { s.Close() })
	return s
}

func (s *udpSession) deliver(buf *flow.Buffer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		flow.ReleaseBuffer(s.p.env, buf)
		return
	}
	s.idleTimer.Reset(s.p.idleTimeout)
	s.mu.Unlock()

	select {
	case s.inbox <- buf:
	default:
		flow.ReleaseBuffer(s.p.env, buf)
	}
}

func (s *udpSession) RecvFrom(ctx context.Context) (flow.Destination, *flow.Buffer, error) {
	select {
	case buf, ok := <-s.inbox:
		if !ok {
			return flow.Destination{}, nil, flow.ErrEOF
		}
		return s.peerDest, buf, nil
	case <-s.closeC:
		return flow.Destination{}, nil, flow.ErrCancelled
	case <-ctx.Done():
		return flow.Destination{}, nil, flow.ErrCancelled
	}
}

func (s *udpSession) SendTo(ctx context.Context, peer flow.Destination, buf *flow.Buffer) error {
	defer flow.ReleaseBuffer(s.p.env, buf)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return flow.ErrInErr{Kind: flow.KindFlow, ErrDesc: "session closed"}
	}

	udpAddr, err := destinationToUDPAddr(peer)
	if err != nil {
		return err
	}
	if _, err := s.p.conn.WriteTo(buf.Bytes(), udpAddr); err != nil {
		return flow.IOErr(err)
	}
	return nil
}

func (s *udpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flowID := s.flowID
	admitted := s.admitted
	s.mu.Unlock()

	s.idleTimer.Stop()
	close(s.closeC)
	s.p.forget(s.key)
	// deliver checks s.closed under s.mu before sending, and s.closed is
	// already true by this point, so nothing can push into s.inbox after
	// this drain starts.
	for {
		select {
		case buf := <-s.inbox:
			flow.ReleaseBuffer(s.p.env, buf)
		default:
			if admitted {
				s.p.env.ReleaseFlow(flowID)
			}
			return nil
		}
	}
}

var _ flow.DatagramSession = (*udpSession)(nil)
