// Package security carries the browser-facing hardening for the gateway:
// response headers, CORS for wallet clients, and facilitator URL vetting.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/navsahu/x402-deploy/pkg/x402"
)

// The gateway serves JSON only; nothing renders, so the CSP denies all.
var hardeningHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
}

// HeadersMiddleware stamps the hardening headers on every response.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for name, value := range hardeningHeaders {
			c.Header(name, value)
		}
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests from wallet clients. The
// payment and payer headers must be allowed on requests, and the receipt
// and Retry-After headers exposed on responses, or browsers hide them
// from wallet JavaScript.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	requestHeaders := strings.Join([]string{
		"Authorization", "Content-Type", "X-Request-ID",
		x402.PaymentHeader, x402.PayerHeader,
	}, ", ")
	exposeHeaders := x402.ReceiptHeader + ", Retry-After"

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || allowAll || allowed[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", requestHeaders)
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials with a wildcard origin is forbidden by the CORS spec.
			if !allowAll {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
