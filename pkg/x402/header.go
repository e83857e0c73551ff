package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// EncodePayment serializes a payment payload for the request header.
func EncodePayment(p *PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses a payment header value. It requires at least a payer
// identity and a claimed amount; everything else is opaque to the gateway.
func DecodePayment(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("payment header is not valid base64: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON: %w", err)
	}
	if p.Payer == "" {
		return nil, fmt.Errorf("payment payload missing payer")
	}
	if p.Amount == "" {
		return nil, fmt.Errorf("payment payload missing amount")
	}
	return &p, nil
}

// EncodeReceipt serializes a settlement receipt for the response header.
func EncodeReceipt(r *Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt parses a receipt header value.
func DecodeReceipt(header string) (*Receipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("receipt header is not valid base64: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipt header is not valid JSON: %w", err)
	}
	return &r, nil
}

// AddPaymentToRequest attaches an encoded payment payload to an HTTP request.
func AddPaymentToRequest(req *http.Request, p *PaymentPayload) error {
	header, err := EncodePayment(p)
	if err != nil {
		return err
	}
	req.Header.Set(PaymentHeader, header)
	return nil
}

// ParseRequirement extracts the payment requirement from a 402 response.
func ParseRequirement(resp *http.Response) (*Requirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req Requirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}

	return &req, nil
}
