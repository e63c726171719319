// Package registry implements the compile-time plugin factory table:
// the (kind, version) -> Factory map, each factory's declared access
// points and descriptors, and param-schema validation.
package registry

// CapabilityKind enumerates the flow abstraction an AccessPoint or
// Descriptor carries.
type CapabilityKind uint8

const (
	CapabilityUnknown CapabilityKind = iota
	StreamInbound
	StreamOutbound
	DatagramInbound
	DatagramOutbound
	ResolverCap
	Netif
	// Diagnostic marks an access point published for introspection only
	// (e.g. a listener's bound address) that no descriptor ever binds.
	// It is distinct from Netif, which is reserved for tunnel/VPN
	// interface access points that do participate in the flow graph.
	Diagnostic
)

func (c CapabilityKind) String() string {
	switch c {
	case StreamInbound:
		return "StreamInbound"
	case StreamOutbound:
		return "StreamOutbound"
	case DatagramInbound:
		return "DatagramInbound"
	case DatagramOutbound:
		return "DatagramOutbound"
	case ResolverCap:
		return "Resolver"
	case Netif:
		return "Netif"
	case Diagnostic:
		return "Diagnostic"
	default:
		return "Unknown"
	}
}

// Matches reports whether a descriptor requiring `want` may bind to an
// access point offering `have`. Direction kinds never cross (a
// StreamInbound descriptor can never bind a StreamOutbound AP): the
// two halves of a capability are distinct kinds by design, so equality
// is sufficient, unlike a looser "same capability, either direction"
// scheme.
func (want CapabilityKind) Matches(have CapabilityKind) bool {
	return want == have
}

// AccessPointSpec is a named, typed endpoint a factory declares it
// will expose on every instance it builds.
type AccessPointSpec struct {
	Name string
	Kind CapabilityKind
}

// DescriptorSpec is a named, typed handle a factory declares it needs
// bound before (strict) or after (late) the rest of the graph is built.
// Late descriptors are how a router's fallback, or any plugin
// participating in an intentional cycle, breaks the acyclic requirement.
type DescriptorSpec struct {
	Slot string
	Kind CapabilityKind
	Late bool
}
