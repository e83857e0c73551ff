// Package subscription owns the subscription lifecycle for payers.
//
// State machine per subscription:
//
//	created → active → renewed   (stays active, end date extended)
//	                 → cancelled (stays active, autoRenew off, decays naturally)
//	                 → deactivated (immediately expired)
//
// Expiry is lazy for reads (IsActive checks the end date) and explicit for
// notifications: CheckExpirations flips expired-but-flagged-active records
// and fires the expiry callback exactly once per record.
package subscription

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/navsahu/x402-deploy/internal/idgen"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrInvalidPlan   = errors.New("invalid subscription plan")
	ErrAlreadyActive = errors.New("payer already has an active subscription")
	ErrNotActive     = errors.New("subscription is not active")
)

// Plan identifies a subscription tier.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanTrial, PlanMonthly, PlanYearly:
		return true
	}
	return false
}

// Pricing is the plan catalogue: price per plan and trial length.
type Pricing struct {
	Monthly   string
	Yearly    string
	Trial     string
	TrialDays int
}

// DefaultPricing matches the published tiers.
func DefaultPricing() Pricing {
	return Pricing{Monthly: "10", Yearly: "100", Trial: "0", TrialDays: 7}
}

// PriceFor returns the catalogue price for a plan.
func (p Pricing) PriceFor(plan Plan) string {
	switch plan {
	case PlanMonthly:
		return p.Monthly
	case PlanYearly:
		return p.Yearly
	case PlanTrial:
		return p.Trial
	}
	return ""
}

// Subscription is one payer's subscription record.
type Subscription struct {
	ID            string     `json:"id"`
	Payer         string     `json:"payer"`
	Plan          Plan       `json:"plan"`
	Price         string     `json:"price"` // price at time of purchase
	StartDate     time.Time  `json:"startDate"`
	EndDate       time.Time  `json:"endDate"`
	Active        bool       `json:"active"`
	AutoRenew     bool       `json:"autoRenew"`
	SettlementRef string     `json:"settlementRef,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Manager owns all subscription state. Maps are method-access only; callers
// never see the live records.
type Manager struct {
	mu      sync.RWMutex
	current map[string]*Subscription // payer -> most recent record
	all     []*Subscription          // every record ever created, for stats

	pricing       Pricing
	onCreated     func(sub Subscription)
	onExpired     func(sub Subscription)
	onDeactivated func(sub Subscription)
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnCreated sets a synchronous callback fired after each purchase.
func WithOnCreated(fn func(sub Subscription)) Option {
	return func(m *Manager) { m.onCreated = fn }
}

// WithOnExpired sets a synchronous callback fired once per record flipped
// by CheckExpirations.
func WithOnExpired(fn func(sub Subscription)) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// WithOnDeactivated sets a synchronous callback fired after Deactivate.
func WithOnDeactivated(fn func(sub Subscription)) Option {
	return func(m *Manager) { m.onDeactivated = fn }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a subscription manager.
func NewManager(pricing Pricing, opts ...Option) *Manager {
	m := &Manager{
		current: make(map[string]*Subscription),
		pricing: pricing,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// period returns the plan's renewal period anchored at from.
func (m *Manager) period(plan Plan, from time.Time) time.Time {
	switch plan {
	case PlanMonthly:
		return from.AddDate(0, 1, 0)
	case PlanYearly:
		return from.AddDate(1, 0, 0)
	case PlanTrial:
		days := m.pricing.TrialDays
		if days <= 0 {
			days = 7
		}
		return from.AddDate(0, 0, days)
	}
	return from
}

// Purchase creates a subscription for a payer. Fails if the payer already
// holds an active one.
func (m *Manager) Purchase(payer string, plan Plan, settlementRef string) (Subscription, error) {
	payer = strings.ToLower(payer)
	if !ValidPlan(plan) {
		return Subscription{}, ErrInvalidPlan
	}

	m.mu.Lock()
	now := m.now()
	if existing, ok := m.current[payer]; ok && existing.Active && existing.EndDate.After(now) {
		m.mu.Unlock()
		return Subscription{}, ErrAlreadyActive
	}

	sub := &Subscription{
		ID:            idgen.WithPrefix("sub_"),
		Payer:         payer,
		Plan:          plan,
		Price:         m.pricing.PriceFor(plan),
		StartDate:     now,
		EndDate:       m.period(plan, now),
		Active:        true,
		AutoRenew:     plan != PlanTrial,
		SettlementRef: settlementRef,
		CreatedAt:     now,
	}
	m.current[payer] = sub
	m.all = append(m.all, sub)
	snapshot := *sub
	m.mu.Unlock()

	if m.onCreated != nil {
		m.onCreated(snapshot)
	}
	return snapshot, nil
}

// Renew extends a subscription by one plan period. Renewing before expiry
// extends from the current end date; renewing after expiry extends from now,
// so late renewals are not backdated.
func (m *Manager) Renew(payer string) (Subscription, error) {
	payer = strings.ToLower(payer)

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.current[payer]
	if !ok {
		return Subscription{}, ErrNotFound
	}

	now := m.now()
	anchor := sub.EndDate
	if anchor.Before(now) {
		anchor = now
	}
	sub.EndDate = m.period(sub.Plan, anchor)
	sub.Active = true
	sub.DeactivatedAt = nil
	return *sub, nil
}

// Cancel clears auto-renew. The subscription stays active until its end
// date and then decays naturally.
func (m *Manager) Cancel(payer string) (Subscription, error) {
	payer = strings.ToLower(payer)

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.current[payer]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if !sub.Active {
		return Subscription{}, ErrNotActive
	}

	now := m.now()
	sub.AutoRenew = false
	sub.CancelledAt = &now
	return *sub, nil
}

// Deactivate expires a subscription immediately.
func (m *Manager) Deactivate(payer string) error {
	payer = strings.ToLower(payer)

	m.mu.Lock()
	sub, ok := m.current[payer]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	now := m.now()
	sub.Active = false
	sub.DeactivatedAt = &now
	snapshot := *sub
	m.mu.Unlock()

	if m.onDeactivated != nil {
		m.onDeactivated(snapshot)
	}
	return nil
}

// IsActive reports whether the payer's most recent subscription is active
// and unexpired.
func (m *Manager) IsActive(payer string) bool {
	payer = strings.ToLower(payer)

	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.current[payer]
	return ok && sub.Active && sub.EndDate.After(m.now())
}

// Get returns a copy of the payer's most recent subscription.
func (m *Manager) Get(payer string) (Subscription, error) {
	payer = strings.ToLower(payer)

	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.current[payer]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return *sub, nil
}

// RemainingDays returns whole days left on an active subscription, rounded
// up. Zero for inactive or expired subscriptions.
func (m *Manager) RemainingDays(payer string) int {
	payer = strings.ToLower(payer)

	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.current[payer]
	if !ok || !sub.Active {
		return 0
	}
	left := sub.EndDate.Sub(m.now())
	if left <= 0 {
		return 0
	}
	return int((left + 24*time.Hour - 1) / (24 * time.Hour))
}

// Pricing returns the plan catalogue.
func (m *Manager) Pricing() Pricing {
	return m.pricing
}

// CheckExpirations flips records that are past their end date but still
// flagged active, firing the expiry callback once per record. Returns how
// many records were flipped. Invoke periodically via Timer.
func (m *Manager) CheckExpirations() int {
	var expired []Subscription

	m.mu.Lock()
	now := m.now()
	for _, sub := range m.current {
		if sub.Active && !sub.EndDate.After(now) {
			sub.Active = false
			expired = append(expired, *sub)
		}
	}
	m.mu.Unlock()

	if m.onExpired != nil {
		for _, sub := range expired {
			m.onExpired(sub)
		}
	}
	return len(expired)
}
