// Package facilitator is the client for the external payment verification
// service. It is the only piece of the request path that performs I/O, so
// every call is bounded by a timeout and wrapped in retry and circuit-breaker
// policy. Verification results are memoized so a replayed header never
// triggers a second facilitator round trip.
package facilitator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/navsahu/x402-deploy/internal/cache"
	"github.com/navsahu/x402-deploy/internal/circuitbreaker"
	"github.com/navsahu/x402-deploy/internal/logging"
	"github.com/navsahu/x402-deploy/internal/money"
	"github.com/navsahu/x402-deploy/internal/retry"
	"github.com/navsahu/x402-deploy/internal/traces"
	"github.com/navsahu/x402-deploy/pkg/x402"
)

// ErrUnavailable means the facilitator could not be reached: the circuit is
// open or retries were exhausted on transient failures. Callers surface it as
// a 5xx-class condition, distinct from a rejected payment.
var ErrUnavailable = errors.New("payment verifier unavailable")

const (
	breakerKey     = "facilitator"
	resultCacheTTL = 5 * time.Minute
	resultCacheMax = 8192
)

var verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "x402gw",
	Subsystem: "facilitator",
	Name:      "verifications_total",
	Help:      "Payment verification calls by outcome",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(verifications)
}

// Result is the facilitator's verdict on a payment payload. A definitive
// rejection sets Valid false with a Reason; it is not an error.
type Result struct {
	Valid         bool   `json:"valid"`
	Payer         string `json:"payer,omitempty"`
	Amount        string `json:"amount,omitempty"`
	SettlementRef string `json:"settlementRef,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// VerifyRequest describes what the payment must cover.
type VerifyRequest struct {
	Price    string
	PayTo    string
	Network  string
	Resource string
}

// wireRequest is the POST body sent to the facilitator's /verify endpoint.
type wireRequest struct {
	Payment  *x402.PaymentPayload `json:"payment"`
	Price    string               `json:"price"`
	PayTo    string               `json:"payTo"`
	Network  string               `json:"network"`
	Resource string               `json:"resource,omitempty"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.status, e.body)
}

func (e *statusError) HTTPStatus() int { return e.status }

// Config for the facilitator client.
type Config struct {
	URL             string
	Timeout         time.Duration
	MaxAttempts     int
	BreakerTrips    int
	BreakerCooldown time.Duration
	// TestMode verifies payloads locally without any network call.
	TestMode bool
}

// Client verifies payment payloads against a facilitator service.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	retries  retry.Options
	results  *cache.Cache[string, Result]
	testMode bool
}

// New creates a facilitator client with resilience defaults filled in.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BreakerTrips <= 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	netRetryable := retry.NetworkErrors()
	statusRetryable := retry.HTTPStatuses(
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	)

	opts := retry.DefaultOptions()
	opts.MaxAttempts = cfg.MaxAttempts
	opts.Jitter = true
	opts.IsRetryable = func(err error) bool {
		return netRetryable(err) || statusRetryable(err)
	}

	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		breaker: circuitbreaker.New(cfg.BreakerTrips, cfg.BreakerCooldown),
		retries: opts,
		results: cache.New(
			cache.WithMaxSize[string, Result](resultCacheMax),
			cache.WithDefaultTTL[string, Result](resultCacheTTL),
		),
		testMode: cfg.TestMode,
	}
}

// Verify checks a raw payment header against the facilitator. Definitive
// verdicts (valid or rejected) are returned as a Result and memoized by
// header; ErrUnavailable is returned when no verdict could be obtained.
func (c *Client) Verify(ctx context.Context, header string, req VerifyRequest) (Result, error) {
	if cached, ok := c.results.Get(header); ok {
		return cached, nil
	}

	payload, err := x402.DecodePayment(header)
	if err != nil {
		res := Result{Valid: false, Reason: "malformed payment header"}
		c.results.Set(header, res)
		verifications.WithLabelValues("invalid").Inc()
		return res, nil
	}

	ctx, span := traces.StartSpan(ctx, "facilitator.verify",
		traces.Payer(payload.Payer),
		traces.Amount(payload.Amount),
		traces.Price(req.Price),
	)
	defer span.End()

	if c.testMode {
		res := c.verifyLocal(header, payload, req)
		c.results.Set(header, res)
		return res, nil
	}

	if !c.breaker.Allow(breakerKey) {
		verifications.WithLabelValues("unavailable").Inc()
		return Result{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var res Result
	err = retry.Do(ctx, c.retries, func() error {
		var callErr error
		res, callErr = c.call(ctx, payload, req)
		return callErr
	})
	if err != nil {
		// The facilitator answered with a client error: the payload itself
		// was rejected, not the service.
		var se *statusError
		if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
			c.breaker.RecordSuccess(breakerKey)
			res = Result{Valid: false, Reason: se.body}
			c.results.Set(header, res)
			verifications.WithLabelValues("invalid").Inc()
			return res, nil
		}

		c.breaker.RecordFailure(breakerKey)
		logging.L(ctx).Warn("payment verification unavailable", "error", err)
		verifications.WithLabelValues("unavailable").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.breaker.RecordSuccess(breakerKey)
	c.results.Set(header, res)
	if res.Valid {
		verifications.WithLabelValues("valid").Inc()
	} else {
		verifications.WithLabelValues("invalid").Inc()
	}
	return res, nil
}

// call performs one HTTP round trip. Transient transport failures and 5xx
// responses surface as retryable errors; 4xx responses abort the retry loop.
func (c *Client) call(ctx context.Context, payload *x402.PaymentPayload, req VerifyRequest) (Result, error) {
	body, err := json.Marshal(wireRequest{
		Payment:  payload,
		Price:    req.Price,
		PayTo:    req.PayTo,
		Network:  req.Network,
		Resource: req.Resource,
	})
	if err != nil {
		return Result{}, retry.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, &statusError{status: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("malformed facilitator response: %w", err))
	}
	return res, nil
}

// verifyLocal is the test-mode verifier: no network, deterministic verdicts.
// A payload passes when its amount covers the quoted price; the settlement
// reference is derived from the header so replays yield the same receipt.
func (c *Client) verifyLocal(header string, payload *x402.PaymentPayload, req VerifyRequest) Result {
	paid, ok := money.Parse(payload.Amount)
	if !ok {
		verifications.WithLabelValues("invalid").Inc()
		return Result{Valid: false, Reason: "unparseable payment amount"}
	}
	if req.Price != "" {
		price, ok := money.Parse(req.Price)
		if ok && paid.Cmp(price) < 0 {
			verifications.WithLabelValues("invalid").Inc()
			return Result{Valid: false, Reason: "payment amount below price"}
		}
	}

	sum := sha256.Sum256([]byte(header))
	verifications.WithLabelValues("valid").Inc()
	return Result{
		Valid:         true,
		Payer:         payload.Payer,
		Amount:        payload.Amount,
		SettlementRef: "0x" + hex.EncodeToString(sum[:]),
	}
}

// State exposes the circuit state for health reporting.
func (c *Client) State() circuitbreaker.State {
	return c.breaker.State(breakerKey)
}
