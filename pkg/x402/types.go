// Package x402 implements the x402 protocol wire types and header codecs.
// This is shared between the gateway and client SDKs.
package x402

import (
	"fmt"
	"net/http"
)

// Header names used by the protocol.
const (
	// PaymentHeader carries the base64-encoded payment payload on requests.
	PaymentHeader = "X-Payment"
	// ReceiptHeader carries the base64-encoded settlement receipt on responses.
	ReceiptHeader = "X-Payment-Response"
	// PayerHeader carries the caller identity when no payment payload is present
	// (subscription and credit lookups).
	PayerHeader = "X-Payer"
)

// PaymentPayload is the decoded request payment header. It is produced by a
// client wallet and forwarded untouched to the facilitator for verification;
// the gateway performs no cryptography on it.
type PaymentPayload struct {
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset,omitempty"`
	Network   string `json:"network,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Receipt is returned to the caller after a verified payment.
type Receipt struct {
	Payer         string `json:"payer"`
	Amount        string `json:"amount"`
	SettlementRef string `json:"settlementRef"`
}

// Requirement is the 402 response body describing what payment is needed.
type Requirement struct {
	Error       string `json:"error"` // always "payment_required"
	Price       string `json:"price"`
	PayTo       string `json:"payTo"`
	Network     string `json:"network"`
	Facilitator string `json:"facilitator"`
}

// SubscriptionPricing is embedded in subscription_required rejections.
type SubscriptionPricing struct {
	Monthly   string `json:"monthly"`
	Yearly    string `json:"yearly"`
	Trial     string `json:"trial"`
	TrialDays int    `json:"trialDays"`
}

// Error represents an x402 error response body.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}
