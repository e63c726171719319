// Package resolverdoh implements the resolver-doh sample plugin: a
// Resolver backed by DNS-over-HTTPS queries (RFC 8484), carried over a
// bound StreamOutbound descriptor rather than dialing its own socket
// directly — so a DoH resolver can itself be routed through the very
// graph it participates in (e.g. behind a proxy outbound). Wire-format
// query/response packing uses github.com/miekg/dns, adapted onto
// net/http instead of a raw dns.Conn since DoH's HTTP framing has no
// miekg/dns client support.
package resolverdoh

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "resolver-doh"

const dnsMessageMIME = "application/dns-message"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "url", Type: registry.FieldString, Required: true},
		{Name: "timeout_ms", Type: registry.FieldInt, Required: false},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "transport", Kind: registry.StreamOutbound}}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "resolver", Kind: registry.ResolverCap}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	rawURL, _ := params["url"].(string)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "invalid DoH url", ErrDetail: err, Data: rawURL}
	}

	transport, _ := bound["transport"].(flow.StreamOutboundAP)
	if transport == nil {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "transport descriptor did not resolve to a StreamOutboundAP"}
	}

	timeout := 5 * time.Second
	if ms, ok := asInt(params["timeout_ms"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	p := &plugin{url: u, transport: transport}
	p.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: p.dial,
		},
	}

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"resolver": p},
		Stop:         func() {},
	}, nil
}

type plugin struct {
	url       *url.URL
	transport flow.StreamOutboundAP
	client    *http.Client
	env       registry.Env
}

func (p *plugin) AttachEnv(env registry.Env) { p.env = env }

// dial is the http.Transport DialContext hook: it opens a StreamFlow
// through the bound transport descriptor instead of net.Dial, and
// wraps it as a net.Conn so the stdlib HTTP stack (including its own
// TLS handshake for an https URL) can drive it unmodified.
func (p *plugin) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	dest := flow.NewDestination(network, host, port)
	fctx := flow.NewContext(flow.LocalRemote{Remote: dest}, time.Now())
	f, err := p.transport.Open(ctx, dest, fctx, nil)
	if err != nil {
		return nil, err
	}
	return &streamConn{f: f, dest: dest, pool: p.env}, nil
}

func (p *plugin) ResolveV4(ctx context.Context, name string) ([]net.IP, error) {
	return p.query(ctx, name, dns.TypeA)
}

func (p *plugin) ResolveV6(ctx context.Context, name string) ([]net.IP, error) {
	return p.query(ctx, name, dns.TypeAAAA)
}

func (p *plugin) Reverse(ctx context.Context, ip net.IP) (string, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", flow.ErrInErr{Kind: flow.KindProtocol, ErrDesc: "bad reverse address", ErrDetail: err}
	}
	m := new(dns.Msg)
	m.SetQuestion(rev, dns.TypePTR)
	resp, err := p.exchange(ctx, m)
	if err != nil {
		return "", err
	}
	for _, a := range resp.Answer {
		if ptr, ok := a.(*dns.PTR); ok {
			return ptr.Ptr, nil
		}
	}
	return "", flow.ErrNotFound
}

// query resolves name via the DoH endpoint, retrying the exchange
// exactly once on transport/protocol failure. If the retry also fails,
// it reports an empty answer rather than propagating the error: a
// Resolver's contract is "list of addresses, possibly empty", and a
// caller (e.g. dns-server) already treats an empty list the same as a
// lookup failure.
func (p *plugin) query(ctx context.Context, name string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, err := p.exchange(ctx, m)
	if err != nil {
		resp, err = p.exchange(ctx, m)
		if err != nil {
			return nil, nil
		}
	}
	var ips []net.IP
	for _, a := range resp.Answer {
		switch rr := a.(type) {
		case *dns.A:
			ips = append(ips, rr.A)
		case *dns.AAAA:
			ips = append(ips, rr.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, flow.ErrNotFound
	}
	return ips, nil
}

// exchange POSTs a packed DNS message to the configured DoH endpoint
// and unpacks the response, per RFC 8484 §4.1's "application/dns-message".
func (p *plugin) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	wire, err := m.Pack()
	if err != nil {
		return nil, flow.ErrInErr{Kind: flow.KindProtocol, ErrDesc: "dns pack failed", ErrDetail: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url.String(), bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsMessageMIME)
	req.Header.Set("Accept", dnsMessageMIME)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, flow.IOErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, flow.ErrInErr{Kind: flow.KindProtocol, ErrDesc: "doh non-200 response", Data: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, flow.IOErr(err)
	}
	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, flow.ErrInErr{Kind: flow.KindProtocol, ErrDesc: "dns unpack failed", ErrDetail: err}
	}
	if out.Rcode != dns.RcodeSuccess {
		return nil, flow.ErrNotFound
	}
	return out, nil
}

// streamConn adapts a flow.StreamFlow to net.Conn so it can back an
// http.Transport dial, buffering leftover bytes between Read calls
// since a ticket's delivered Buffer rarely lines up with the caller's
// slice length.
type streamConn struct {
	f        flow.StreamFlow
	dest     flow.Destination
	pool     flow.BufferSource
	leftover []byte
}

func (c *streamConn) Read(p []byte) (int, error) {
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

func (c *streamConn) Write(p []byte) (int, error) {
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

func (c *streamConn) Close() error                       { return c.f.Abort() }
func (c *streamConn) LocalAddr() net.Addr                 { return dummyAddr{} }
func (c *streamConn) RemoteAddr() net.Addr                { return dummyAddr{network: c.dest.Network, s: c.dest.String()} }
func (c *streamConn) SetDeadline(t time.Time) error       { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error  { return nil }

type dummyAddr struct {
	network string
	s       string
}

func (d dummyAddr) Network() string {
	if d.network == "" {
		return "stream"
	}
	return d.network
}
func (d dummyAddr) String() string { return d.s }

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

var _ flow.Resolver = (*plugin)(nil)
var _ net.Conn = (*streamConn)(nil)
