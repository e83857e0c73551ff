// Package credits tracks prepaid request credits per payer.
//
// Flow:
//  1. Payer buys a credit package via x402 payment
//  2. Ledger credits the payer's balance
//  3. Each gated request debits exactly one credit
//  4. At zero balance the payer falls back to per-call payment
package credits

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/navsahu/x402-deploy/internal/idgen"
	"github.com/navsahu/x402-deploy/internal/money"
)

var (
	ErrInvalidAmount = errors.New("credit amount must be positive")
	ErrUnknownPayer  = errors.New("payer has no credit account")
)

var (
	creditsPurchased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402gw",
		Subsystem: "credits",
		Name:      "purchased_total",
		Help:      "Total credits purchased across all payers",
	})
	creditsUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402gw",
		Subsystem: "credits",
		Name:      "used_total",
		Help:      "Total credits debited across all payers",
	})
)

func init() {
	prometheus.MustRegister(creditsPurchased, creditsUsed)
}

// Package is a purchasable credit bundle. Discount is a fraction in [0,1)
// applied to the per-credit base price.
type Package struct {
	Credits  int64   `json:"credits"`
	Discount float64 `json:"discount"`
}

// Purchase records a completed credit purchase.
type Purchase struct {
	ID            string    `json:"id"`
	Payer         string    `json:"payer"`
	Credits       int64     `json:"credits"`
	SettlementRef string    `json:"settlementRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Ledger holds integer credit balances. Balances never go negative; a debit
// at zero is rejected rather than clamped.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]int64
	purchases []*Purchase
	basePrice *big.Int
	packages  []Package
}

// New creates a ledger with a per-credit base price and a package catalogue.
func New(basePrice string, packages []Package) (*Ledger, error) {
	base, ok := money.Parse(basePrice)
	if !ok {
		return nil, fmt.Errorf("invalid credit base price %q", basePrice)
	}
	return &Ledger{
		balances:  make(map[string]int64),
		basePrice: base,
		packages:  packages,
	}, nil
}

// Purchase credits the payer's balance.
func (l *Ledger) Purchase(payer string, credits int64, settlementRef string) (*Purchase, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	payer = strings.ToLower(payer)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[payer] += credits
	p := &Purchase{
		ID:            idgen.WithPrefix("cp_"),
		Payer:         payer,
		Credits:       credits,
		SettlementRef: settlementRef,
		CreatedAt:     time.Now(),
	}
	l.purchases = append(l.purchases, p)
	creditsPurchased.Add(float64(credits))
	return p, nil
}

// Use debits exactly one credit. Returns false, with no state change, when
// the balance is zero.
func (l *Ledger) Use(payer string) bool {
	payer = strings.ToLower(payer)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[payer] <= 0 {
		return false
	}
	l.balances[payer]--
	creditsUsed.Inc()
	return true
}

// Balance returns the payer's current credit balance.
func (l *Ledger) Balance(payer string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[strings.ToLower(payer)]
}

// Packages returns the purchasable bundle catalogue.
func (l *Ledger) Packages() []Package {
	out := make([]Package, len(l.packages))
	copy(out, l.packages)
	return out
}

// PackagePrice returns the total price of a package: credits times the
// discounted per-credit price.
func (l *Ledger) PackagePrice(pkg Package) string {
	per := l.PricePerCredit(pkg.Discount)
	total := new(big.Int).Mul(per, big.NewInt(pkg.Credits))
	return money.Format(total)
}

// PricePerCredit applies a fractional discount to the base price.
func (l *Ledger) PricePerCredit(discount float64) *big.Int {
	if discount < 0 {
		discount = 0
	}
	if discount > 1 {
		discount = 1
	}
	base := new(big.Float).SetInt(l.basePrice)
	discounted := new(big.Float).Mul(base, big.NewFloat(1-discount))
	out, _ := discounted.Int(nil)
	return out
}

// History returns the most recent purchases for a payer, newest last.
func (l *Ledger) History(payer string, limit int) []*Purchase {
	payer = strings.ToLower(payer)
	if limit <= 0 {
		limit = 50
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Purchase
	for _, p := range l.purchases {
		if p.Payer == payer {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
