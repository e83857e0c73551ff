package x402

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientPayer = "0x1234567890123456789012345678901234567890"

// paywall is a minimal 402 endpoint: unpaid requests get a quote, paid
// requests get content and a settlement receipt.
func paywall(t *testing.T, price string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(Requirement{
				Error:   "payment_required",
				Price:   price,
				PayTo:   "0xabcdef1234567890abcdef1234567890abcdef12",
				Network: "eip155:8453",
			})
			return
		}

		payment, err := DecodePayment(header)
		require.NoError(t, err)
		assert.Equal(t, clientPayer, payment.Payer)
		assert.Equal(t, price, payment.Amount)
		assert.NotEmpty(t, payment.Nonce)

		receipt, err := EncodeReceipt(&Receipt{
			Payer:         payment.Payer,
			Amount:        payment.Amount,
			SettlementRef: "0xsettle",
		})
		require.NoError(t, err)
		w.Header().Set(ReceiptHeader, receipt)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_PaysQuotedPriceAndReturnsReceipt(t *testing.T) {
	srv := paywall(t, "0.001000")

	var quoted string
	c := NewClient(clientPayer)
	c.OnPayment = func(req *Requirement, p *PaymentPayload) { quoted = req.Price }

	resp, receipt, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.001000", quoted)
	require.NotNil(t, receipt)
	assert.Equal(t, "0xsettle", receipt.SettlementRef)
	assert.Equal(t, clientPayer, receipt.Payer)
}

func TestClient_Non402PassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, clientPayer, r.Header.Get(PayerHeader))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	resp, receipt, err := NewClient(clientPayer).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, receipt)
}

func TestClient_AutoPayDisabledReturnsQuote(t *testing.T) {
	srv := paywall(t, "0.001000")

	c := NewClient(clientPayer)
	c.AutoPay = false

	resp, _, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, Is402Response(resp))
	requirement, err := ParseRequirement(resp)
	require.NoError(t, err)
	assert.Equal(t, "0.001000", requirement.Price)
}

func TestClient_RefusesQuoteAbovePaymentLimit(t *testing.T) {
	srv := paywall(t, "5")

	c := NewClient(clientPayer)
	c.MaxPayment = "0.01"

	_, _, err := c.Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment limit")
}

func TestClient_SignHookRuns(t *testing.T) {
	signed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(Requirement{Error: "payment_required", Price: "0.001"})
			return
		}
		payment, err := DecodePayment(header)
		require.NoError(t, err)
		assert.Equal(t, "0xsigned", payment.Signature)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(clientPayer)
	c.Sign = func(p *PaymentPayload) error {
		signed = true
		p.Signature = "0xsigned"
		return nil
	}

	resp, _, err := c.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, signed)
}
