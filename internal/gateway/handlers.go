package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/navsahu/x402-deploy/internal/credits"
	"github.com/navsahu/x402-deploy/internal/facilitator"
	"github.com/navsahu/x402-deploy/internal/money"
	"github.com/navsahu/x402-deploy/internal/pagination"
	"github.com/navsahu/x402-deploy/internal/subscription"
	"github.com/navsahu/x402-deploy/internal/validation"
	"github.com/navsahu/x402-deploy/pkg/x402"
)

// Handler provides the /x402 management endpoints: subscription lifecycle,
// credit purchases, payment history, and pricing controls.
type Handler struct {
	gw *Gateway
}

// NewHandler creates the management handler.
func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

// RegisterRoutes sets up the management surface.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.PurchaseSubscription)
	r.GET("/subscriptions/:payer", h.GetSubscription)
	r.POST("/subscriptions/:payer/renew", h.RenewSubscription)
	r.POST("/subscriptions/:payer/cancel", h.CancelSubscription)
	r.DELETE("/subscriptions/:payer", h.DeactivateSubscription)

	r.GET("/credits/packages", h.ListPackages)
	r.POST("/credits", h.PurchaseCredits)
	r.GET("/credits/:payer", h.GetCredits)

	r.GET("/payments/:payer", h.ListPayments)
	r.GET("/stats", h.Stats)
	r.POST("/load", h.UpdateLoad)
}

// requirePayment verifies the request's payment header against a price.
// On failure it writes the rejection and returns ok=false.
func (h *Handler) requirePayment(c *gin.Context, price, resource string) (facilitator.Result, bool) {
	if money.IsZero(price) {
		return facilitator.Result{Valid: true, Payer: h.gw.callerIdentity(c)}, true
	}

	header := c.GetHeader(x402.PaymentHeader)
	if header == "" {
		c.JSON(http.StatusPaymentRequired, x402.Requirement{
			Error:       "payment_required",
			Price:       price,
			PayTo:       h.gw.cfg.PayTo,
			Network:     h.gw.cfg.Network,
			Facilitator: h.gw.cfg.FacilitatorURL,
		})
		return facilitator.Result{}, false
	}

	res, err := h.gw.verifier.Verify(c.Request.Context(), header, facilitator.VerifyRequest{
		Price:    price,
		PayTo:    h.gw.cfg.PayTo,
		Network:  h.gw.cfg.Network,
		Resource: resource,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, x402.Error{
			Code:    "verifier_unavailable",
			Message: "payment could not be verified, retry later",
		})
		return facilitator.Result{}, false
	}
	if !res.Valid {
		c.JSON(http.StatusPaymentRequired, x402.Error{
			Code:    "payment_invalid",
			Message: res.Reason,
		})
		return facilitator.Result{}, false
	}
	return res, true
}

// PurchaseSubscription handles POST /x402/subscriptions.
// Body: {"plan": "monthly"}. Payment for the plan price rides on X-Payment.
func (h *Handler) PurchaseSubscription(c *gin.Context) {
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	plan := subscription.Plan(req.Plan)
	if !subscription.ValidPlan(plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "plan must be trial, monthly, or yearly"})
		return
	}

	price := h.gw.subs.Pricing().PriceFor(plan)
	res, ok := h.requirePayment(c, price, "POST /x402/subscriptions")
	if !ok {
		return
	}
	payer := validation.NormalizePayer(res.Payer)
	if !validation.IsValidPayer(payer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payer", "message": "payer address required"})
		return
	}

	sub, err := h.gw.subs.Purchase(payer, plan, res.SettlementRef)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_active", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// GetSubscription handles GET /x402/subscriptions/:payer.
func (h *Handler) GetSubscription(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))
	sub, err := h.gw.subs.Get(payer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no subscription for payer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription":  sub,
		"active":        h.gw.subs.IsActive(payer),
		"remainingDays": h.gw.subs.RemainingDays(payer),
	})
}

// RenewSubscription handles POST /x402/subscriptions/:payer/renew. Payment
// for another plan period rides on X-Payment.
func (h *Handler) RenewSubscription(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))
	sub, err := h.gw.subs.Get(payer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no subscription for payer"})
		return
	}

	price := h.gw.subs.Pricing().PriceFor(sub.Plan)
	if _, ok := h.requirePayment(c, price, "POST /x402/subscriptions/renew"); !ok {
		return
	}

	renewed, err := h.gw.subs.Renew(payer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, renewed)
}

// CancelSubscription handles POST /x402/subscriptions/:payer/cancel.
// The subscription stays active until its end date.
func (h *Handler) CancelSubscription(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))
	sub, err := h.gw.subs.Cancel(payer)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, subscription.ErrNotActive) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": "cancel_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// DeactivateSubscription handles DELETE /x402/subscriptions/:payer. Takes
// effect immediately.
func (h *Handler) DeactivateSubscription(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))
	if err := h.gw.subs.Deactivate(payer); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// ListPackages handles GET /x402/credits/packages.
func (h *Handler) ListPackages(c *gin.Context) {
	pkgs := h.gw.credits.Packages()
	out := make([]gin.H, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, gin.H{
			"credits":        p.Credits,
			"discount":       p.Discount,
			"price":          h.gw.credits.PackagePrice(p),
			"pricePerCredit": money.Format(h.gw.credits.PricePerCredit(p.Discount)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"packages": out})
}

// PurchaseCredits handles POST /x402/credits.
// Body: {"credits": 100}. Catalogue packages get their discount; other
// amounts are charged at the base price.
func (h *Handler) PurchaseCredits(c *gin.Context) {
	var req struct {
		Credits int64 `json:"credits" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Credits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "credits must be a positive integer"})
		return
	}

	pkg := h.matchPackage(req.Credits)
	price := h.gw.credits.PackagePrice(pkg)

	res, ok := h.requirePayment(c, price, "POST /x402/credits")
	if !ok {
		return
	}
	payer := validation.NormalizePayer(res.Payer)
	if !validation.IsValidPayer(payer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payer", "message": "payer address required"})
		return
	}

	purchase, err := h.gw.credits.Purchase(payer, req.Credits, res.SettlementRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"purchase": purchase,
		"balance":  h.gw.credits.Balance(payer),
	})
}

// matchPackage finds the catalogue entry for a credit count, or a
// zero-discount package for off-catalogue amounts.
func (h *Handler) matchPackage(count int64) credits.Package {
	for _, p := range h.gw.credits.Packages() {
		if p.Credits == count {
			return p
		}
	}
	return credits.Package{Credits: count}
}

// GetCredits handles GET /x402/credits/:payer.
func (h *Handler) GetCredits(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))
	c.JSON(http.StatusOK, gin.H{
		"payer":     payer,
		"balance":   h.gw.credits.Balance(payer),
		"purchases": h.gw.credits.History(payer, parseLimit(c)),
	})
}

// ListPayments handles GET /x402/payments/:payer. Pages newest-first;
// callers pass the returned nextCursor back as ?cursor= to continue.
func (h *Handler) ListPayments(c *gin.Context) {
	payer := validation.NormalizePayer(c.Param("payer"))

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	records, next, hasMore := h.gw.pricing.HistoryPage(payer, parseLimit(c), cur)
	c.JSON(http.StatusOK, gin.H{
		"payer":      payer,
		"payments":   records,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// Stats handles GET /x402/stats: subscription stats plus current load.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": h.gw.subs.Stats(),
		"loadFactor":    h.gw.pricing.LoadFactor(),
	})
}

// UpdateLoad handles POST /x402/load. Body: {"loadFactor": 0.7}. Values
// are clamped to [0,1].
func (h *Handler) UpdateLoad(c *gin.Context) {
	var req struct {
		LoadFactor *float64 `json:"loadFactor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.gw.pricing.UpdateLoad(*req.LoadFactor)
	c.JSON(http.StatusOK, gin.H{"loadFactor": h.gw.pricing.LoadFactor()})
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}
