// Command x402get fetches a paywalled URL, paying the quoted price through
// the x402 handshake.
//
// Usage:
//
//	PAYER_ADDRESS=0x... go run ./cmd/x402get <url>
//
// MAX_PAYMENT caps the quote the client is willing to pay (default:
// unlimited). Payments go out unsigned, so the target gateway must run in
// test mode.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/navsahu/x402-deploy/pkg/x402"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: x402get <url>")
		os.Exit(1)
	}
	url := os.Args[1]

	payer := os.Getenv("PAYER_ADDRESS")
	if payer == "" {
		log.Fatal("PAYER_ADDRESS environment variable is required")
	}

	client := x402.NewClient(payer)
	client.MaxPayment = os.Getenv("MAX_PAYMENT")
	client.OnPayment = func(req *x402.Requirement, _ *x402.PaymentPayload) {
		log.Printf("paying %s to %s on %s", req.Price, req.PayTo, req.Network)
	}

	resp, receipt, err := client.Get(url)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	fmt.Printf("%s\n", body)
	if receipt != nil {
		log.Printf("settled %s from %s, ref %s", receipt.Amount, receipt.Payer, receipt.SettlementRef)
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
