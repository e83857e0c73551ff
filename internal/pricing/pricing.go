// Package pricing resolves the required price for a route and keeps the
// per-payer payment history that drives volume tiers.
//
// Rules are compiled once at construction; per-request resolution walks the
// compiled list and memoizes the (method, path) → rule match. Dynamic rules
// recompute their effective price from the externally-fed load factor and
// the payer's cumulative request count, so only the rule match is cached,
// never a dynamic price.
package pricing

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/navsahu/x402-deploy/internal/cache"
	"github.com/navsahu/x402-deploy/internal/money"
	"github.com/navsahu/x402-deploy/internal/pagination"
)

var (
	loadFactorGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402gw",
		Subsystem: "pricing",
		Name:      "load_factor",
		Help:      "Current load factor applied to dynamic pricing rules.",
	})
	paymentsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402gw",
		Subsystem: "pricing",
		Name:      "payments_recorded_total",
		Help:      "Total payments recorded in the per-payer history.",
	})
)

func init() {
	prometheus.MustRegister(loadFactorGauge, paymentsRecorded)
}

// PaymentRecord is an immutable log entry for a verified payment.
// Append-only within a process lifetime.
type PaymentRecord struct {
	Payer         string    `json:"payer"`
	Route         string    `json:"route"`
	Amount        string    `json:"amount"`
	Asset         string    `json:"asset"`
	Network       string    `json:"network"`
	Timestamp     time.Time `json:"timestamp"`
	SettlementRef string    `json:"settlementRef"`
	Settled       bool      `json:"settled"`
}

// matchCacheSize bounds the memoized (method, path) → rule map. Distinct
// route shapes are few; this only guards against hostile path cardinality.
const matchCacheSize = 4096

// Engine resolves prices and owns the payment history.
type Engine struct {
	rules        []*Rule
	defaultPrice string // "" = unpriced routes are free

	mu         sync.RWMutex
	loadFactor float64
	history    map[string][]*PaymentRecord

	matches *cache.Cache[string, *Rule]
}

// New compiles the rule specs into an engine. defaultPrice applies to routes
// no rule matches; empty means unmatched routes are unpriced (free).
func New(defaultPrice string, specs []RuleSpec) (*Engine, error) {
	rules, err := compileRules(specs)
	if err != nil {
		return nil, err
	}
	return &Engine{
		rules:        rules,
		defaultPrice: defaultPrice,
		history:      make(map[string][]*PaymentRecord),
		matches:      cache.New(cache.WithMaxSize[string, *Rule](matchCacheSize)),
	}, nil
}

// ResolveRule returns the compiled rule for a request, or nil when only the
// default price (or nothing) applies. The match is memoized per distinct
// (method, path) pair.
func (e *Engine) ResolveRule(method, path string) *Rule {
	key := strings.ToUpper(method) + " " + path
	if rule, ok := e.matches.Get(key); ok {
		return rule
	}
	rule := match(e.rules, method, path)
	e.matches.Set(key, rule)
	return rule
}

// Quote resolves the effective price of a request for a payer.
// Returns ok=false when the route is unpriced (treated as free).
func (e *Engine) Quote(method, path, payer string) (price string, ok bool) {
	rule := e.ResolveRule(method, path)
	if rule == nil {
		if e.defaultPrice == "" {
			return "", false
		}
		return normalize(e.defaultPrice), true
	}

	if rule.Dynamic == nil {
		return normalize(rule.Price), true
	}
	return e.dynamicPrice(rule, payer), true
}

// dynamicPrice computes basePrice × loadMultiplier^loadFactor, then applies
// the volume tier with the highest threshold at or below the payer's
// cumulative request count for this route.
func (e *Engine) dynamicPrice(rule *Rule, payer string) string {
	spec := rule.Dynamic

	e.mu.RLock()
	load := e.loadFactor
	e.mu.RUnlock()

	base, _ := money.Parse(spec.BasePrice)
	effective := money.ToFloat(base)
	if spec.LoadMultiplier > 0 {
		effective *= math.Pow(spec.LoadMultiplier, load)
	}
	price := money.Format(money.FromFloat(effective))

	if len(spec.Tiers) == 0 || payer == "" {
		return price
	}

	count := e.payerRuleCount(payer, rule)
	bestThreshold := -1
	for _, tier := range spec.Tiers {
		if count >= tier.MinRequests && tier.MinRequests > bestThreshold {
			bestThreshold = tier.MinRequests
			price = normalize(tier.Price)
		}
	}
	return price
}

// UpdateLoad sets the load factor, clamped to [0,1].
func (e *Engine) UpdateLoad(value float64) {
	if math.IsNaN(value) || value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}

	e.mu.Lock()
	e.loadFactor = value
	e.mu.Unlock()
	loadFactorGauge.Set(value)
}

// LoadFactor returns the current load factor.
func (e *Engine) LoadFactor() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadFactor
}

// RecordPayment appends a verified payment to the payer's history.
// History is unbounded within a process lifetime; retention is the
// caller's concern.
func (e *Engine) RecordPayment(payer string, record *PaymentRecord) {
	payer = strings.ToLower(payer)

	e.mu.Lock()
	e.history[payer] = append(e.history[payer], record)
	e.mu.Unlock()
	paymentsRecorded.Inc()
}

// PayerRequestCount returns how many recorded payments the payer has made,
// optionally filtered to one route. O(history size); acceptable because
// per-call payments are expected to be rare once subscriptions and credits
// dominate.
func (e *Engine) PayerRequestCount(payer, routeFilter string) int {
	payer = strings.ToLower(payer)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if routeFilter == "" {
		return len(e.history[payer])
	}
	count := 0
	for _, rec := range e.history[payer] {
		if rec.Route == routeFilter {
			count++
		}
	}
	return count
}

// payerRuleCount counts the payer's recorded payments that fall under a
// rule. Payments are recorded under the concrete route template, so the
// count re-matches each record against the rule rather than comparing
// pattern strings.
func (e *Engine) payerRuleCount(payer string, rule *Rule) int {
	payer = strings.ToLower(payer)

	e.mu.RLock()
	defer e.mu.RUnlock()

	count := 0
	for _, rec := range e.history[payer] {
		if rule.coversRoute(rec.Route) {
			count++
		}
	}
	return count
}

// History returns the most recent payment records for a payer, newest last.
func (e *Engine) History(payer string, limit int) []*PaymentRecord {
	payer = strings.ToLower(payer)

	e.mu.RLock()
	defer e.mu.RUnlock()

	records := e.history[payer]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]*PaymentRecord, len(records))
	copy(out, records)
	return out
}

// HistoryPage returns up to limit records newest-first, resuming after the
// position cur names. The returned cursor is non-empty when older records
// remain; an unknown cursor restarts from the newest record.
func (e *Engine) HistoryPage(payer string, limit int, cur *pagination.Cursor) ([]*PaymentRecord, string, bool) {
	payer = strings.ToLower(payer)

	e.mu.RLock()
	records := e.history[payer]
	rev := make([]*PaymentRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rev = append(rev, records[i])
	}
	e.mu.RUnlock()

	if cur != nil {
		for i, r := range rev {
			if cur.Matches(r.Timestamp, r.SettlementRef) {
				rev = rev[i+1:]
				break
			}
		}
	}
	if len(rev) > limit+1 {
		rev = rev[:limit+1]
	}
	return pagination.Page(rev, limit, func(r *PaymentRecord) (time.Time, string) {
		return r.Timestamp, r.SettlementRef
	})
}

// normalize re-formats a configured price string ("$0.01") to the
// canonical 6-decimal form ("0.010000").
func normalize(price string) string {
	amt, ok := money.Parse(price)
	if !ok {
		return price
	}
	return money.Format(amt)
}
