package x402

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/navsahu/x402-deploy/internal/idgen"
	"github.com/navsahu/x402-deploy/internal/money"
)

// Client wraps http.Client with automatic 402 payment handling: request,
// read the quote, attach a payment for the quoted price, retry.
type Client struct {
	httpClient *http.Client
	payer      string

	// Configuration
	MaxRetries int    // max payment retries (default: 1)
	AutoPay    bool   // automatically pay 402s (default: true)
	MaxPayment string // refuse quotes above this amount (default: unlimited)

	// Sign populates the payload signature before sending. Left nil, the
	// payload goes out unsigned, which only test-mode gateways accept.
	Sign func(p *PaymentPayload) error

	// OnPayment is called before each payment is attached.
	OnPayment func(req *Requirement, p *PaymentPayload)
}

// NewClient creates an x402-enabled HTTP client paying as payer.
func NewClient(payer string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		payer:      payer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling. The
// settlement receipt from the final response, if any, is returned alongside
// it.
func (c *Client) Do(req *http.Request) (*http.Response, *Receipt, error) {
	// Buffer the body if present, the request may be retried.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
	}

	req.Header.Set(PayerHeader, c.payer)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("request failed: %w", err)
		}

		if !Is402Response(resp) || !c.AutoPay {
			return resp, decodeReceiptHeader(resp), nil
		}

		requirement, err := ParseRequirement(resp)
		resp.Body.Close()
		if err != nil {
			return nil, nil, err
		}
		if err := c.checkPaymentLimit(requirement.Price); err != nil {
			return nil, nil, err
		}

		payload := &PaymentPayload{
			Payer:   c.payer,
			Amount:  requirement.Price,
			Network: requirement.Network,
			Nonce:   idgen.Hex(16),
		}
		if c.Sign != nil {
			if err := c.Sign(payload); err != nil {
				return nil, nil, fmt.Errorf("failed to sign payment: %w", err)
			}
		}
		if c.OnPayment != nil {
			c.OnPayment(requirement, payload)
		}

		if err := AddPaymentToRequest(req, payload); err != nil {
			return nil, nil, err
		}
	}

	return nil, nil, fmt.Errorf("max payment retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(url string) (*http.Response, *Receipt, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.Do(req)
}

func (c *Client) checkPaymentLimit(price string) error {
	if c.MaxPayment == "" {
		return nil
	}
	quoted, ok := money.Parse(price)
	if !ok {
		return fmt.Errorf("unparseable quoted price %q", price)
	}
	limit, ok := money.Parse(c.MaxPayment)
	if !ok {
		return fmt.Errorf("unparseable payment limit %q", c.MaxPayment)
	}
	if quoted.Cmp(limit) > 0 {
		return fmt.Errorf("quoted price %s exceeds payment limit %s",
			money.Format(quoted), money.Format(limit))
	}
	return nil
}

// decodeReceiptHeader returns the response's settlement receipt, or nil when
// the header is absent or malformed.
func decodeReceiptHeader(resp *http.Response) *Receipt {
	header := resp.Header.Get(ReceiptHeader)
	if header == "" {
		return nil
	}
	receipt, err := DecodeReceipt(header)
	if err != nil {
		return nil
	}
	return receipt
}
