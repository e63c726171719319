// Package router implements the router sample plugin: it evaluates
// ordered rules (domain suffix, CIDR, GeoIP) against a flow's
// destination/SNI and dispatches to one of three bound outbound slots,
// falling back to a late-bound default when nothing matches — the
// late edge is how a router may legally sit in an otherwise-cyclic
// graph. Rules are data-driven, with weighted multi-target selection
// within a single rule.
package router

import (
	"context"
	"net"
	"strings"

	"github.com/biter777/countries"
	"github.com/oschwald/maxminddb-golang"
	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/registry"
)

const Kind = "router"

func init() {
	registry.Global.Register(Factory{})
}

type Factory struct{}

func (Factory) Kind() string                  { return Kind }
func (Factory) VersionRange() (uint16, uint16) { return 1, 1 }

func (Factory) ParamSchema() registry.ParamSchema {
	return registry.ParamSchema{Fields: []registry.FieldSpec{
		{Name: "route_a", Type: registry.FieldString, Required: true},
		{Name: "route_b", Type: registry.FieldString, Required: true},
		{Name: "route_c", Type: registry.FieldString, Required: true},
		{Name: "default", Type: registry.FieldString, Required: true},
		{Name: "rules", Type: registry.FieldArray, Required: false},
		{Name: "geoip_db", Type: registry.FieldString, Required: false},
	}}
}

func (Factory) RequiredDescriptors() []registry.DescriptorSpec {
	return []registry.DescriptorSpec{
		{Slot: "route_a", Kind: registry.StreamOutbound},
		{Slot: "route_b", Kind: registry.StreamOutbound},
		{Slot: "route_c", Kind: registry.StreamOutbound},
		{Slot: "default", Kind: registry.StreamOutbound, Late: true},
	}
}

func (Factory) ExposedAccessPoints() []registry.AccessPointSpec {
	return []registry.AccessPointSpec{{Name: "out", Kind: registry.StreamOutbound}}
}

// ruleKind is how a rule's Value is matched against an incoming flow.
type ruleKind uint8

const (
	ruleDomainSuffix ruleKind = iota
	ruleCIDR
	ruleGeoIP
)

type rule struct {
	kind    ruleKind
	value   string // domain suffix, or GeoIP country (ISO code or name)
	targets []string
	weights []float64 // parallel to targets; uniform if len(weights) != len(targets)

	// sampler draws a weighted-with-replacement index into targets on
	// every resolveTarget call, built once at parse time since weights
	// never change after a profile loads.
	sampler *distuv.Categorical
}

func (Factory) Build(params map[string]any, bound registry.BoundDescriptors) (*registry.BuiltPlugin, error) {
	a, _ := bound["route_a"].(flow.StreamOutboundAP)
	b, _ := bound["route_b"].(flow.StreamOutboundAP)
	c, _ := bound["route_c"].(flow.StreamOutboundAP)
	if a == nil || b == nil || c == nil {
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "route descriptor did not resolve to a StreamOutboundAP"}
	}

	rules, err := parseRules(params["rules"])
	if err != nil {
		return nil, err
	}

	p := &router{
		targets: map[string]flow.StreamOutboundAP{"route_a": a, "route_b": b, "route_c": c},
		rules:   rules,
		ranger:  cidranger.NewPCTrieRanger(),
	}

	for i, r := range rules {
		if len(r.targets) > 1 {
			w := r.weights
			if len(w) != len(r.targets) {
				w = make([]float64, len(r.targets))
				for j := range w {
					w[j] = 1
				}
			}
			cat := distuv.NewCategorical(w, nil)
			r.sampler = &cat
		}
		if r.kind != ruleCIDR {
			continue
		}
		_, cidr, err := net.ParseCIDR(r.value)
		if err != nil {
			return nil, flow.ConfigErr("invalid CIDR rule", "router", "rules", err)
		}
		if err := p.ranger.Insert(cidranger.NewBasicRangerEntry(*cidr)); err != nil {
			return nil, flow.ConfigErr("CIDR insert failed", "router", "rules", err)
		}
		p.cidrRuleIdx = append(p.cidrRuleIdx, i)
	}

	if dbPath, _ := params["geoip_db"].(string); dbPath != "" {
		db, err := maxminddb.Open(dbPath)
		if err != nil {
			return nil, flow.ErrInErr{Kind: flow.KindResource, ErrDesc: "geoip db open failed", ErrDetail: err, Data: dbPath}
		}
		p.geoip = db
	}

	return &registry.BuiltPlugin{
		Instance:     p,
		AccessPoints: map[string]any{"out": p},
		Stop:         p.stop,
	}, nil
}

type router struct {
	targets     map[string]flow.StreamOutboundAP
	def         flow.StreamOutboundAP
	rules       []*rule
	ranger      cidranger.Ranger
	cidrRuleIdx []int
	geoip       *maxminddb.Reader
	logger      *zap.Logger
}

func (p *router) AttachEnv(env registry.Env) { p.logger = env.Logger() }

// BindLate implements registry.LateBinder: the default fallback target
// arrives only after the rest of the graph is instantiated, which is
// what lets a default route point back into a plugin that itself
// depends on the router.
func (p *router) BindLate(bound registry.BoundDescriptors) error {
	def, _ := bound["default"].(flow.StreamOutboundAP)
	if def == nil {
		return flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "default descriptor did not resolve to a StreamOutboundAP"}
	}
	p.def = def
	return nil
}

func (p *router) stop() {
	if p.geoip != nil {
		p.geoip.Close()
	}
}

func (p *router) Open(ctx context.Context, dest flow.Destination, fctx *flow.Context, initial *flow.Buffer) (flow.StreamFlow, error) {
	target := p.pick(dest, fctx)
	if target == nil {
		target = p.def
	}
	if target == nil {
		if initial != nil {
			initial.Release()
		}
		return nil, flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "router has no default target bound"}
	}
	return target.Open(ctx, dest, fctx, initial)
}

func (p *router) pick(dest flow.Destination, fctx *flow.Context) flow.StreamOutboundAP {
	host := dest.Name
	if fctx != nil && fctx.SNI != "" {
		host = fctx.SNI
	}
	for _, r := range p.rules {
		switch r.kind {
		case ruleDomainSuffix:
			if host != "" && (host == r.value || strings.HasSuffix(host, "."+r.value)) {
				return p.resolveTarget(r)
			}
		case ruleCIDR:
			if dest.IP != nil {
				matched, _ := p.ranger.Contains(dest.IP)
				if matched {
					// re-check this specific rule's network, since
					// ranger.Contains only confirms *some* inserted
					// network matched.
					nets, _ := p.ranger.ContainingNetworks(dest.IP)
					for _, n := range nets {
						bn := n.Network()
						if bn.String() == r.value {
							return p.resolveTarget(r)
						}
					}
				}
			}
		case ruleGeoIP:
			if dest.IP != nil && p.geoip != nil {
				var rec struct {
					Country struct {
						ISOCode string `maxminddb:"iso_code"`
					} `maxminddb:"country"`
				}
				want := r.value
				if cc := countries.ByName(r.value); cc != countries.Unknown {
					want = cc.Alpha2()
				}
				if err := p.geoip.Lookup(dest.IP, &rec); err == nil && strings.EqualFold(rec.Country.ISOCode, want) {
					return p.resolveTarget(r)
				}
			}
		}
	}
	return nil
}

// resolveTarget picks among a rule's (possibly several) target slots.
// A rule with one target always uses it; a rule with several draws a
// weighted-with-replacement index via r.sampler on every call, so a
// single rule can fan a match out across a weighted group of outbounds
// (e.g. two proxy nodes at different capacities) instead of plain
// first-match-wins dispatch.
func (p *router) resolveTarget(r *rule) flow.StreamOutboundAP {
	if len(r.targets) == 1 || r.sampler == nil {
		return p.targets[r.targets[0]]
	}
	idx := int(r.sampler.Rand())
	return p.targets[r.targets[idx]]
}

// parseTargets reads a rule's "target" field: a bare slot name
// (route_a/route_b/route_c), or a list whose entries are bare slot
// names (uniform weight) or {"name": ..., "weight": ...} maps for a
// weighted multi-target rule.
func parseTargets(raw any) ([]string, []float64) {
	switch t := raw.(type) {
	case string:
		return []string{t}, nil
	case []any:
		var targets []string
		var weights []float64
		haveWeights := false
		for _, v := range t {
			switch tv := v.(type) {
			case string:
				targets = append(targets, tv)
				weights = append(weights, 1)
			case map[string]any:
				name, _ := tv["name"].(string)
				if name == "" {
					continue
				}
				w := 1.0
				if wv, ok := asFloat(tv["weight"]); ok && wv > 0 {
					w = wv
					haveWeights = true
				}
				targets = append(targets, name)
				weights = append(weights, w)
			}
		}
		if !haveWeights {
			weights = nil
		}
		return targets, weights
	default:
		return nil, nil
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseRules(raw any) ([]*rule, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	rules := make([]*rule, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, flow.ConfigErr("rule must be a map", "router", "rules", nil)
		}
		typ, _ := m["type"].(string)
		value, _ := m["value"].(string)
		targets, weights := parseTargets(m["target"])
		if len(targets) == 0 {
			return nil, flow.ConfigErr("rule missing target", "router", "rules", nil)
		}
		var kind ruleKind
		switch typ {
		case "domain_suffix":
			kind = ruleDomainSuffix
		case "cidr":
			kind = ruleCIDR
		case "geoip":
			kind = ruleGeoIP
		default:
			return nil, flow.ConfigErr("unknown rule type: "+typ, "router", "rules", nil)
		}
		rules = append(rules, &rule{kind: kind, value: value, targets: targets, weights: weights})
	}
	return rules, nil
}

var _ flow.StreamOutboundAP = (*router)(nil)
var _ registry.LateBinder = (*router)(nil)
