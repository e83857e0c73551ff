// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navsahu/x402-deploy/internal/config"
	"github.com/navsahu/x402-deploy/internal/credits"
	"github.com/navsahu/x402-deploy/internal/facilitator"
	"github.com/navsahu/x402-deploy/internal/gateway"
	"github.com/navsahu/x402-deploy/internal/health"
	"github.com/navsahu/x402-deploy/internal/idgen"
	"github.com/navsahu/x402-deploy/internal/logging"
	"github.com/navsahu/x402-deploy/internal/metrics"
	"github.com/navsahu/x402-deploy/internal/pricing"
	"github.com/navsahu/x402-deploy/internal/ratelimit"
	"github.com/navsahu/x402-deploy/internal/security"
	"github.com/navsahu/x402-deploy/internal/subscription"
	"github.com/navsahu/x402-deploy/internal/validation"
	"github.com/navsahu/x402-deploy/pkg/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	subs         *subscription.Manager
	subsTimer    *subscription.Timer
	credits      *credits.Ledger
	pricing      *pricing.Engine
	verifier     gateway.Verifier
	facilitator  *facilitator.Client // nil when a custom verifier is injected
	gw           *gateway.Gateway
	payerLimiter *ratelimit.Limiter
	ipLimiter    *ratelimit.Limiter
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVerifier sets a custom payment verifier (for testing)
func WithVerifier(v gateway.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set verifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	s.subs = subscription.NewManager(
		subscription.Pricing{
			Monthly:   cfg.Subscriptions.Monthly,
			Yearly:    cfg.Subscriptions.Yearly,
			Trial:     cfg.Subscriptions.Trial,
			TrialDays: cfg.Subscriptions.TrialDays,
		},
		subscription.WithOnCreated(func(sub subscription.Subscription) {
			s.syncSubscriptionGauge()
			s.logger.Info("subscription created",
				"payer", sub.Payer,
				"plan", string(sub.Plan),
				"endDate", sub.EndDate,
			)
		}),
		subscription.WithOnExpired(func(sub subscription.Subscription) {
			s.syncSubscriptionGauge()
			s.logger.Info("subscription expired",
				"payer", sub.Payer,
				"plan", string(sub.Plan),
			)
		}),
		subscription.WithOnDeactivated(func(sub subscription.Subscription) {
			s.syncSubscriptionGauge()
			s.logger.Info("subscription deactivated",
				"payer", sub.Payer,
				"plan", string(sub.Plan),
			)
		}),
	)
	s.subsTimer = subscription.NewTimer(s.subs, time.Minute, s.logger)

	packages := make([]credits.Package, 0, len(cfg.CreditPackages))
	for _, p := range cfg.CreditPackages {
		packages = append(packages, credits.Package{Credits: int64(p.Credits), Discount: p.Discount})
	}
	ledger, err := credits.New(cfg.CreditBasePrice, packages)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit ledger: %w", err)
	}
	s.credits = ledger

	engine, err := pricing.New(cfg.DefaultPrice, s.routeSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to compile pricing rules: %w", err)
	}
	s.pricing = engine

	// Facilitator client unless a verifier was injected
	if s.verifier == nil {
		s.facilitator = facilitator.New(facilitator.Config{
			URL:             cfg.FacilitatorURL,
			Timeout:         cfg.VerifyTimeout,
			MaxAttempts:     cfg.VerifyAttempts,
			BreakerTrips:    cfg.BreakerTrips,
			BreakerCooldown: cfg.BreakerCooldown,
			TestMode:        cfg.TestMode,
		})
		s.verifier = s.facilitator
		if cfg.TestMode {
			s.logger.Warn("test mode enabled, payments are verified locally")
		}
	}

	// Per-payer rate limiting for verified payments
	s.payerLimiter = ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMax,
		Window:      cfg.RateLimitWindow,
	})

	s.gw = gateway.New(gateway.Config{
		PayTo:          cfg.WalletAddress,
		Network:        cfg.Network,
		FacilitatorURL: cfg.FacilitatorURL,
	}, s.subs, s.credits, s.pricing, s.verifier, s.payerLimiter)

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// routeOverrides returns the configured pricing map, falling back to the demo
// catalogue when nothing is configured.
func (s *Server) routeOverrides() map[string]config.RoutePricing {
	if len(s.cfg.Routes) > 0 {
		return s.cfg.Routes
	}
	return map[string]config.RoutePricing{
		"GET /api/v1/premium": {Price: "0.01"},
	}
}

// routeSpecs converts the override map into an ordered rule list. Map
// iteration order is not stable, so keys are sorted to make tie-breaking
// deterministic across restarts.
func (s *Server) routeSpecs() []pricing.RuleSpec {
	overrides := s.routeOverrides()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	specs := make([]pricing.RuleSpec, 0, len(keys))
	for _, k := range keys {
		rp := overrides[k]
		spec := pricing.RuleSpec{Route: k, Price: rp.Price}
		if rp.Dynamic != nil {
			tiers := make([]pricing.VolumeTier, 0, len(rp.Dynamic.Tiers))
			for _, t := range rp.Dynamic.Tiers {
				tiers = append(tiers, pricing.VolumeTier{MinRequests: t.MinRequests, Price: t.Price})
			}
			spec.Price = ""
			spec.Dynamic = &pricing.DynamicSpec{
				BasePrice:      rp.Dynamic.BasePrice,
				LoadMultiplier: rp.Dynamic.LoadMultiplier,
				Tiers:          tiers,
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// syncSubscriptionGauge re-derives the active-subscription gauge from
// manager state. Purchases can replace stale expired records, so the gauge
// is set, not incremented.
func (s *Server) syncSubscriptionGauge() {
	metrics.ActiveSubscriptions.Set(float64(s.subs.Stats().Active))
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.facilitator != nil {
		s.healthReg.Register("facilitator", func(ctx context.Context) (bool, string) {
			state := s.facilitator.State()
			return state.String() != "open", "circuit " + state.String()
		})
	}

	s.healthReg.Register("subscription_sweeper", func(ctx context.Context) (bool, string) {
		return true, fmt.Sprintf("running=%v", s.subsTimer.Running())
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP rate limiting (independent of the per-payer limiter)
	s.ipLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.ipLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Info & protocol discovery
	s.router.GET("/", s.infoHandler)
	s.router.GET("/.well-known/x402", s.discoveryHandler)

	// Payment, subscription, and credit management
	gwHandler := gateway.NewHandler(s.gw)
	gwHandler.RegisterRoutes(s.router.Group("/x402"))

	// Everything under /api is gated: subscription-only prefixes first,
	// then the entitlement chain for priced routes.
	api := s.router.Group("/api")
	api.Use(s.subscriptionGate(), s.gw.Middleware())
	{
		api.GET("/v1/joke", s.jokeHandler)
		api.POST("/v1/echo", s.echoHandler)
		api.GET("/v1/premium", s.premiumHandler)
	}
}

// subscriptionGate enforces subscription-only access on configured path
// prefixes. Other paths fall through to the entitlement chain.
func (s *Server) subscriptionGate() gin.HandlerFunc {
	prefixes := make([]string, 0, len(s.cfg.SubscriptionRoutes))
	for _, route := range s.cfg.SubscriptionRoutes {
		prefixes = append(prefixes, strings.TrimSuffix(route, "*"))
	}
	requireSub := s.gw.RequireSubscription()

	return func(c *gin.Context) {
		for _, prefix := range prefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				requireSub(c)
				return
			}
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "x402 gateway",
		"description": "Pay-per-use and subscription access control for HTTP APIs",
		"version":     "0.1.0",
		"network":     s.cfg.Network,
		"currency":    "USDC",
		"discovery":   "/.well-known/x402",
	})
}

// discoveryHandler serves the machine-readable payment configuration that
// client wallets fetch before their first request.
func (s *Server) discoveryHandler(c *gin.Context) {
	p := s.subs.Pricing()

	packages := make([]gin.H, 0, len(s.credits.Packages()))
	for _, pkg := range s.credits.Packages() {
		packages = append(packages, gin.H{
			"credits":  pkg.Credits,
			"discount": pkg.Discount,
			"price":    s.credits.PackagePrice(pkg),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"x402Version": 1,
		"payTo":       s.cfg.WalletAddress,
		"network":     s.cfg.Network,
		"facilitator": s.cfg.FacilitatorURL,
		"asset":       "USDC",
		"payment": gin.H{
			"header":  x402.PaymentHeader,
			"receipt": x402.ReceiptHeader,
			"payer":   x402.PayerHeader,
		},
		"defaultPrice": s.cfg.DefaultPrice,
		"routes":       s.routeOverrides(),
		"subscriptions": x402.SubscriptionPricing{
			Monthly:   p.Monthly,
			Yearly:    p.Yearly,
			Trial:     p.Trial,
			TrialDays: p.TrialDays,
		},
		"creditPackages":     packages,
		"subscriptionRoutes": s.cfg.SubscriptionRoutes,
	})
}

var jokes = []string{
	"Why do programmers prefer dark mode? Because light attracts bugs.",
	"There are only 10 types of people: those who understand binary and those who don't.",
	"A SQL query walks into a bar, walks up to two tables and asks... 'Can I join you?'",
	"Why do Java developers wear glasses? Because they don't C#.",
	"!false - It's funny because it's true.",
}

func (s *Server) jokeHandler(c *gin.Context) {
	joke := jokes[time.Now().Unix()%int64(len(jokes))]

	c.JSON(http.StatusOK, gin.H{
		"joke":        joke,
		"entitlement": gateway.Entitlement(c),
	})
}

func (s *Server) echoHandler(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_json",
			"message": "Request body must be valid JSON",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"echo":        body,
		"entitlement": gateway.Entitlement(c),
	})
}

func (s *Server) premiumHandler(c *gin.Context) {
	amount, ref := gateway.Settlement(c)

	c.JSON(http.StatusOK, gin.H{
		"content":       "This is premium content worth $0.01",
		"entitlement":   gateway.Entitlement(c),
		"amount":        amount,
		"settlementRef": ref,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"payTo", s.cfg.WalletAddress,
			"network", s.cfg.Network,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start subscription expiry sweeper
	go s.subsTimer.Start(runCtx)

	// Sample runtime gauges
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop subscription sweeper
	if s.subsTimer != nil {
		s.subsTimer.Stop()
		s.logger.Info("subscription sweeper stopped")
	}

	// Stop rate limiter cleanup goroutines
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}
	if s.payerLimiter != nil {
		s.payerLimiter.Stop()
	}
	s.logger.Info("rate limiters stopped")

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

