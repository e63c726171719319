// Package dnsserver implements the dns-server sample plugin: a
// DatagramInbound consumer that answers DNS queries by consulting a
// bound Resolver descriptor, translating between the wire format
// (github.com/miekg/dns) and the runtime's own Resolver capability. It
// never opens a socket itself — a producer plugin (e.g. udp-inbound)
// pushes each peer's DatagramSession into it, so its flows are ordinary
// admitted flows subject to the same drain/cancel and connection-table
// accounting as everything else in the graph.
package dnsserver

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "dns-server"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "ttl_seconds", Type: registry.FieldInt, Required: false},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{{Slot: "resolver", Kind: registry.ResolverCap}}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "datagram", Kind: registry.DatagramInbound}}
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	ttl := uint32(60)
	if n, ok := asInt(params["ttl_seconds"]); ok && n > 0 {
		ttl = uint32(n)
	}

	resolver, _ := bound["resolver"].(flow.Resolver)
	if resolver == nil {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "resolver descriptor did not resolve to a Resolver"}
	}

	p := &plugin{resolver: resolver, ttl: ttl}

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"datagram": p},
		Stop:         func() {},
	}, nil
}

type plugin struct {
	resolver flow.Resolver
	ttl      uint32

	env    registry.Env
	logger *zap.Logger
}

func (p *plugin) AttachEnv(env registry.Env) {
	p.env = env
	p.logger = env.Logger()
}

// Push implements flow.DatagramInboundAP. It hands the session off to
// its own goroutine and returns immediately: the caller (a producer
// like udp-inbound) pushes one session per peer and must not block its
// own read loop on how long that peer keeps talking to us.
func (p *plugin) Push(ctx context.Context, s flow.DatagramSession, fctx *flow.Context) error {
	go p.serve(ctx, s)
	return nil
}

// serve answers datagrams on s until RecvFrom reports the session is
// done (cancelled, peer reaped for idleness, or the socket errored).
func (p *plugin) serve(ctx context.Context, s flow.DatagramSession) {
	for {
		peer, buf, err := s.RecvFrom(ctx)
		if err != nil {
			return
		}
		p.handleDatagram(ctx, s, peer, buf)
	}
}

func (p *plugin) handleDatagram(ctx context.Context, s flow.DatagramSession, peer flow.Destination, buf *flow.Buffer) {
	req := new(dns.Msg)
	unpackErr := req.Unpack(buf.Bytes())
	flow.ReleaseBuffer(p.env, buf)
	if unpackErr != nil || len(req.Question) == 0 {
		if p.logger != nil {
			p.logger.Warn("dns-server malformed query", zap.Error(unpackErr))
		}
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	p.answerQuestion(qctx, resp, req.Question[0])
	cancel()

	wire, err := resp.Pack()
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("dns-server pack failed", zap.Error(err))
		}
		return
	}

	outBuf, err := flow.AllocateBuffer(p.env, len(wire))
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("dns-server response buffer allocation failed", zap.Error(err))
		}
		return
	}
	copy(outBuf.Bytes(), wire)
	if err := s.SendTo(ctx, peer, outBuf); err != nil && p.logger != nil {
		p.logger.Warn("dns-server send failed", zap.Error(err))
	}
}

// answerQuestion resolves question q into resp via the bound
// resolver. Only A, AAAA and PTR are supported; anything else gets
// RcodeNotImplemented.
func (p *plugin) answerQuestion(ctx context.Context, resp *dns.Msg, q dns.Question) {
	name := q.Name
	switch q.Qtype {
	case dns.TypeA:
		ips, err := p.resolver.ResolveV4(ctx, normalizeName(name))
		if err != nil || len(ips) == 0 {
			resp.Rcode = dns.RcodeNameError
			return
		}
		for _, ip := range ips {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: p.ttl},
				A:   ip.To4(),
			})
		}
	case dns.TypeAAAA:
		ips, err := p.resolver.ResolveV6(ctx, normalizeName(name))
		if err != nil || len(ips) == 0 {
			resp.Rcode = dns.RcodeNameError
			return
		}
		for _, ip := range ips {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: p.ttl},
				AAAA: ip.To16(),
			})
		}
	case dns.TypePTR:
		labels := dns.SplitDomainName(name)
		if len(labels) < 4 {
			resp.Rcode = dns.RcodeFormatError
			return
		}
		ipStr := labels[3] + "." + labels[2] + "." + labels[1] + "." + labels[0]
		host, err := p.resolver.Reverse(ctx, net.ParseIP(ipStr))
		if err != nil {
			resp.Rcode = dns.RcodeNameError
			return
		}
		resp.Answer = append(resp.Answer, &dns.PTR{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: p.ttl},
			Ptr: dns.Fqdn(host),
		})
	default:
		resp.Rcode = dns.RcodeNotImplemented
	}
}

func normalizeName(fqdn string) string {
	n := len(fqdn)
	if n > 0 && fqdn[n-1] == '.' {
		return fqdn[:n-1]
	}
	return fqdn
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

var _ flow.DatagramInboundAP = (*plugin)(nil)
