package tests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreledger/payments/e2e/client"
	"github.com/coreledger/payments/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "full-flow",
		Description: "Authorize, wait for async settlement, refund, and verify refund is terminal",
		Run:         runFullFlowTest,
	})
}

func runFullFlowTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{APIURL: cfg.APIURL}
	merchantID := client.UniqueID("e2e-merchant")

	// 1. Authorize a payment.
	resp, _, err := client.Authorize(ctx, c, &client.AuthorizeRequest{
		MerchantID:     merchantID,
		IdempotencyKey: client.UniqueID("e2e-key"),
		AmountCents:    9900,
		Currency:       "EUR",
	})
	if err != nil {
		return fmt.Errorf("failed to authorize: %w", err)
	}

	// 2. The outbox poller publishes the event and the settlement
	// worker consumes it, so the status flips without further input.
	settled, err := client.WaitForStatus(ctx, c, merchantID, resp.AuthorizationID, "settled", 45*time.Second)
	if err != nil {
		return fmt.Errorf("authorization never settled: %w", err)
	}
	if settled.AmountCents != 9900 {
		return fmt.Errorf("expected amount 9900, got %d", settled.AmountCents)
	}

	// 3. Refund the settled payment.
	refund, err := client.Refund(ctx, c, &client.RefundRequest{
		MerchantID:      merchantID,
		IdempotencyKey:  client.UniqueID("e2e-refund"),
		AuthorizationID: resp.AuthorizationID,
		Reason:          "e2e full flow",
	})
	if err != nil {
		return fmt.Errorf("failed to refund: %w", err)
	}
	if refund.Status != "refunded" {
		return fmt.Errorf("expected status 'refunded', got %q", refund.Status)
	}

	// 4. A second refund under a fresh key must be rejected.
	_, err = client.Refund(ctx, c, &client.RefundRequest{
		MerchantID:      merchantID,
		IdempotencyKey:  client.UniqueID("e2e-refund"),
		AuthorizationID: resp.AuthorizationID,
	})
	if err == nil {
		return fmt.Errorf("second refund must fail")
	}
	if !strings.Contains(err.Error(), "409") {
		return fmt.Errorf("expected a conflict, got: %v", err)
	}

	return nil
}
