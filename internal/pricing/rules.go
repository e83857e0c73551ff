package pricing

import (
	"fmt"
	"strings"

	"github.com/navsahu/x402-deploy/internal/money"
)

// VolumeTier is a price break applied once a payer's cumulative request
// count for a route crosses MinRequests.
type VolumeTier struct {
	MinRequests int    `json:"minRequests"`
	Price       string `json:"price"`
}

// DynamicSpec prices a route from current gateway load and payer volume.
// The effective price is basePrice × loadMultiplier^loadFactor, then the
// tier with the highest threshold at or below the payer's request count
// replaces it.
type DynamicSpec struct {
	BasePrice      string       `json:"basePrice"`
	LoadMultiplier float64      `json:"loadMultiplier"`
	Tiers          []VolumeTier `json:"tiers,omitempty"`
}

// RuleSpec declares one pricing rule. Route is "METHOD /path",
// "METHOD /prefix/*", or a bare path for a method-agnostic match.
// Exactly one of Price or Dynamic must be set.
type RuleSpec struct {
	Route   string
	Price   string
	Dynamic *DynamicSpec
}

// rank orders match stages: lower wins.
const (
	rankExact = iota
	rankWildcard
	rankPathExact
	rankPathWildcard
)

// Rule is a compiled pricing rule.
type Rule struct {
	Method   string // "" = any method
	Path     string // literal path, or prefix when wildcard
	Wildcard bool
	Price    string
	Dynamic  *DynamicSpec

	rank  int
	order int // declaration order, breaks ties
}

// Route reconstructs the declared route pattern for logging.
func (r *Rule) Route() string {
	path := r.Path
	if r.Wildcard {
		path += "*"
	}
	if r.Method == "" {
		return path
	}
	return r.Method + " " + path
}

// compileRules turns declared specs into an ordered rule list. Rules are
// evaluated once here; per-request matching walks the compiled list.
func compileRules(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	for i, spec := range specs {
		rule, err := compileRule(spec)
		if err != nil {
			return nil, err
		}
		rule.order = i
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec RuleSpec) (*Rule, error) {
	route := strings.TrimSpace(spec.Route)
	if route == "" {
		return nil, fmt.Errorf("empty route pattern")
	}

	if (spec.Price == "") == (spec.Dynamic == nil) {
		return nil, fmt.Errorf("route %q: exactly one of price or dynamic spec required", route)
	}
	if spec.Price != "" {
		if _, ok := money.Parse(spec.Price); !ok {
			return nil, fmt.Errorf("route %q: invalid price %q", route, spec.Price)
		}
	}
	if spec.Dynamic != nil {
		if _, ok := money.Parse(spec.Dynamic.BasePrice); !ok {
			return nil, fmt.Errorf("route %q: invalid base price %q", route, spec.Dynamic.BasePrice)
		}
		for _, tier := range spec.Dynamic.Tiers {
			if _, ok := money.Parse(tier.Price); !ok {
				return nil, fmt.Errorf("route %q: invalid tier price %q", route, tier.Price)
			}
		}
	}

	rule := &Rule{Price: spec.Price, Dynamic: spec.Dynamic}

	// Split off an optional leading method.
	if method, path, found := strings.Cut(route, " "); found {
		rule.Method = strings.ToUpper(strings.TrimSpace(method))
		route = strings.TrimSpace(path)
	}
	if !strings.HasPrefix(route, "/") {
		return nil, fmt.Errorf("route pattern %q: path must start with /", spec.Route)
	}

	if strings.HasSuffix(route, "*") {
		rule.Wildcard = true
		route = strings.TrimSuffix(route, "*")
	}
	rule.Path = route

	switch {
	case rule.Method != "" && !rule.Wildcard:
		rule.rank = rankExact
	case rule.Method != "":
		rule.rank = rankWildcard
	case !rule.Wildcard:
		rule.rank = rankPathExact
	default:
		rule.rank = rankPathWildcard
	}

	return rule, nil
}

// covers reports whether the rule applies to a method+path pair. method is
// expected uppercased.
func (r *Rule) covers(method, path string) bool {
	if r.Method != "" && r.Method != method {
		return false
	}
	if r.Wildcard {
		return strings.HasPrefix(path, r.Path)
	}
	return r.Path == path
}

// coversRoute reports whether a recorded route template ("GET /api/data")
// falls under the rule. Volume tiers count history through this, so payments
// recorded under concrete routes still accrue to the wildcard rule that
// priced them.
func (r *Rule) coversRoute(route string) bool {
	method, path, found := strings.Cut(route, " ")
	if !found {
		return r.covers("", route)
	}
	return r.covers(strings.ToUpper(method), path)
}

// match resolves a request against the compiled list. Exact method+path
// first, then the wildcard with the longest literal prefix, then the
// method-agnostic stages. Ties break by declaration order.
func match(rules []*Rule, method, path string) *Rule {
	method = strings.ToUpper(method)

	var best *Rule
	for _, r := range rules {
		if !r.covers(method, path) {
			continue
		}
		if better(r, best) {
			best = r
		}
	}
	return best
}

// better reports whether candidate beats current: lower stage rank first,
// then longer literal prefix, then earlier declaration.
func better(candidate, current *Rule) bool {
	if current == nil {
		return true
	}
	if candidate.rank != current.rank {
		return candidate.rank < current.rank
	}
	if len(candidate.Path) != len(current.Path) {
		return len(candidate.Path) > len(current.Path)
	}
	return candidate.order < current.order
}

