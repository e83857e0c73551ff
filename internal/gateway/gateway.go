// Package gateway makes the per-request access decision for priced routes.
//
// Flow:
//  1. Active subscription → allow (no I/O)
//  2. Spendable credit → debit one, allow (no I/O)
//  3. Unpriced or zero-price route → allow (no I/O)
//  4. Otherwise a payment header is required and verified against the
//     facilitator, rate-limited, recorded, and receipted
//
// Steps 1-3 never suspend; the facilitator call is the only I/O on the
// request path.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/navsahu/x402-deploy/internal/credits"
	"github.com/navsahu/x402-deploy/internal/facilitator"
	"github.com/navsahu/x402-deploy/internal/logging"
	"github.com/navsahu/x402-deploy/internal/money"
	"github.com/navsahu/x402-deploy/internal/pricing"
	"github.com/navsahu/x402-deploy/internal/ratelimit"
	"github.com/navsahu/x402-deploy/internal/subscription"
	"github.com/navsahu/x402-deploy/internal/validation"
	"github.com/navsahu/x402-deploy/pkg/x402"
)

// Annotation headers set on allowed responses.
const (
	RemainingDaysHeader    = "X-Subscription-Remaining-Days"
	CreditsRemainingHeader = "X-Credits-Remaining"
)

// Context keys set on allowed requests for downstream handlers.
const (
	ctxPayer         = "x402_payer"
	ctxEntitlement   = "x402_entitlement"
	ctxAmount        = "x402_amount"
	ctxSettlementRef = "x402_settlement_ref"
)

// Verifier is the facilitator client surface the resolver needs.
type Verifier interface {
	Verify(ctx context.Context, header string, req facilitator.VerifyRequest) (facilitator.Result, error)
}

// Config carries the payment target advertised in 402 responses.
type Config struct {
	PayTo          string
	Network        string
	FacilitatorURL string
}

// Gateway owns the access decision path.
type Gateway struct {
	cfg      Config
	subs     *subscription.Manager
	credits  *credits.Ledger
	pricing  *pricing.Engine
	verifier Verifier
	limiter  *ratelimit.Limiter
}

// New wires the resolver. All collaborators are required.
func New(cfg Config, subs *subscription.Manager, ledger *credits.Ledger, engine *pricing.Engine, verifier Verifier, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{
		cfg:      cfg,
		subs:     subs,
		credits:  ledger,
		pricing:  engine,
		verifier: verifier,
		limiter:  limiter,
	}
}

// Middleware gates a route group behind the entitlement chain:
// subscription, then credits, then per-call payment.
func (g *Gateway) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		payer := g.callerIdentity(c)

		if payer != "" && g.subs.IsActive(payer) {
			c.Header(RemainingDaysHeader, strconv.Itoa(g.subs.RemainingDays(payer)))
			c.Set(ctxPayer, payer)
			c.Set(ctxEntitlement, "subscription")
			decisions.WithLabelValues("subscription").Inc()
			c.Next()
			return
		}

		if payer != "" && g.credits.Use(payer) {
			c.Header(CreditsRemainingHeader, strconv.FormatInt(g.credits.Balance(payer), 10))
			c.Set(ctxPayer, payer)
			c.Set(ctxEntitlement, "credit")
			decisions.WithLabelValues("credit").Inc()
			c.Next()
			return
		}

		price, priced := g.pricing.Quote(c.Request.Method, c.Request.URL.Path, payer)
		if !priced || money.IsZero(price) {
			decisions.WithLabelValues("free").Inc()
			c.Next()
			return
		}

		header := c.GetHeader(x402.PaymentHeader)
		if header == "" {
			decisions.WithLabelValues("payment_required").Inc()
			c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.Requirement{
				Error:       "payment_required",
				Price:       price,
				PayTo:       g.cfg.PayTo,
				Network:     g.cfg.Network,
				Facilitator: g.cfg.FacilitatorURL,
			})
			return
		}

		route := g.route(c)
		res, err := g.verifier.Verify(c.Request.Context(), header, facilitator.VerifyRequest{
			Price:    price,
			PayTo:    g.cfg.PayTo,
			Network:  g.cfg.Network,
			Resource: route,
		})
		if err != nil {
			if !errors.Is(err, facilitator.ErrUnavailable) {
				logging.L(c.Request.Context()).Error("verification failed", "error", err)
			}
			decisions.WithLabelValues("verifier_unavailable").Inc()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, x402.Error{
				Code:    "verifier_unavailable",
				Message: "payment could not be verified, retry later",
			})
			return
		}
		if !res.Valid {
			decisions.WithLabelValues("payment_invalid").Inc()
			c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.Error{
				Code:    "payment_invalid",
				Message: res.Reason,
			})
			return
		}

		paidBy := validation.NormalizePayer(res.Payer)

		// Per-payer rate limiting happens after verification: a valid payment
		// over the limit is rejected and not refunded by this layer.
		if allowed, retryAfter := g.limiter.Allow(paidBy); !allowed {
			decisions.WithLabelValues("rate_limited").Inc()
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"retryAfter": int(retryAfter.Seconds()) + 1,
			})
			return
		}

		g.pricing.RecordPayment(paidBy, &pricing.PaymentRecord{
			Payer:         paidBy,
			Route:         route,
			Amount:        res.Amount,
			Network:       g.cfg.Network,
			SettlementRef: res.SettlementRef,
			Settled:       true,
		})
		paymentsAccepted.Inc()

		if receipt, err := x402.EncodeReceipt(&x402.Receipt{
			Payer:         paidBy,
			Amount:        res.Amount,
			SettlementRef: res.SettlementRef,
		}); err == nil {
			c.Header(x402.ReceiptHeader, receipt)
		}

		c.Set(ctxPayer, paidBy)
		c.Set(ctxEntitlement, "payment")
		c.Set(ctxAmount, res.Amount)
		c.Set(ctxSettlementRef, res.SettlementRef)
		decisions.WithLabelValues("paid").Inc()
		c.Next()
	}
}

// RequireSubscription gates a route group on an active subscription only.
// Credits and per-call payments do not grant access here.
func (g *Gateway) RequireSubscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		payer := g.callerIdentity(c)
		if payer != "" && g.subs.IsActive(payer) {
			c.Header(RemainingDaysHeader, strconv.Itoa(g.subs.RemainingDays(payer)))
			c.Set(ctxPayer, payer)
			c.Set(ctxEntitlement, "subscription")
			decisions.WithLabelValues("subscription").Inc()
			c.Next()
			return
		}

		p := g.subs.Pricing()
		decisions.WithLabelValues("subscription_required").Inc()
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error": "subscription_required",
			"pricing": x402.SubscriptionPricing{
				Monthly:   p.Monthly,
				Yearly:    p.Yearly,
				Trial:     p.Trial,
				TrialDays: p.TrialDays,
			},
		})
	}
}

// callerIdentity resolves the payer address from the identity header, or
// from the payment payload when no identity header is present. Returns ""
// when neither yields a valid address.
func (g *Gateway) callerIdentity(c *gin.Context) string {
	if addr := c.GetHeader(x402.PayerHeader); addr != "" {
		norm := validation.NormalizePayer(addr)
		if validation.IsValidPayer(norm) {
			return norm
		}
		return ""
	}
	if header := c.GetHeader(x402.PaymentHeader); header != "" {
		if payload, err := x402.DecodePayment(header); err == nil {
			norm := validation.NormalizePayer(payload.Payer)
			if validation.IsValidPayer(norm) {
				return norm
			}
		}
	}
	return ""
}

// route returns the registered route pattern when available so payment
// history groups by template rather than by concrete path.
func (g *Gateway) route(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return c.Request.Method + " " + path
}

// Payer returns the resolved payer identity for an allowed request.
func Payer(c *gin.Context) string {
	return c.GetString(ctxPayer)
}

// Entitlement returns which entitlement allowed the request:
// "subscription", "credit", or "payment". Empty for free routes.
func Entitlement(c *gin.Context) string {
	return c.GetString(ctxEntitlement)
}

// Settlement returns the verified amount and settlement reference for
// requests allowed by a per-call payment.
func Settlement(c *gin.Context) (amount, ref string) {
	return c.GetString(ctxAmount), c.GetString(ctxSettlementRef)
}
