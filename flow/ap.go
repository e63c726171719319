package flow

import "context"

// This file defines the concrete Go shapes behind each CapabilityKind
// an AccessPoint may expose. registry/loader treat an AP as an opaque
// `any`; a factory's Build type-asserts the bound
// descriptor back into one of these before use, and a consuming
// factory declares in its own docs which of these it expects for a
// given DescriptorSpec.Kind — the runtime itself never inspects the
// concrete type.

// StreamOutboundAP is what a StreamOutbound access point's value
// implements: a caller asks for a new outbound flow toward dest,
// optionally with data already in hand to send immediately (e.g. a
// sniffed HTTP request line), and gets back a live StreamFlow.
type StreamOutboundAP interface {
	Open(ctx context.Context, dest Destination, fctx *Context, initial *Buffer) (StreamFlow, error)
}

// StreamInboundAP is a sink: a plugin that itself produces traffic
// (a listener, a tunnel demultiplexer) pushes an already-open
// StreamFlow into it rather than asking for one.
type StreamInboundAP interface {
	Push(ctx context.Context, f StreamFlow, fctx *Context) error
}

// DatagramOutboundAP mirrors StreamOutboundAP for datagram sessions.
type DatagramOutboundAP interface {
	Open(ctx context.Context, fctx *Context) (DatagramSession, error)
}

// DatagramInboundAP mirrors StreamInboundAP for datagram sessions.
type DatagramInboundAP interface {
	Push(ctx context.Context, s DatagramSession, fctx *Context) error
}

// ResolverAP is simply a Resolver; kept as a distinct alias so factory
// code documents intent (`registry.AccessPointSpec{Kind: ResolverCap}`
// values are always a Resolver) without forcing every resolver-style AP
// through an extra wrapper type.
type ResolverAP = Resolver
