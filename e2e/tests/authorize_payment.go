package tests

import (
	"context"
	"fmt"

	"github.com/coreledger/payments/e2e/client"
	"github.com/coreledger/payments/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "authorize-payment",
		Description: "Authorize a payment and verify a retry replays the original response",
		Run:         runAuthorizePaymentTest,
	})
}

func runAuthorizePaymentTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{APIURL: cfg.APIURL}

	req := &client.AuthorizeRequest{
		MerchantID:     client.UniqueID("e2e-merchant"),
		IdempotencyKey: client.UniqueID("e2e-key"),
		AmountCents:    1250,
		Currency:       "USD",
	}

	resp, replayed, err := client.Authorize(ctx, c, req)
	if err != nil {
		return fmt.Errorf("failed to authorize: %w", err)
	}
	if replayed {
		return fmt.Errorf("first request must not be a replay")
	}
	if resp.Status != "authorized" {
		return fmt.Errorf("expected status 'authorized', got %q", resp.Status)
	}
	if resp.AuthorizationID == "" {
		return fmt.Errorf("expected non-empty authorization_id")
	}

	// An identical retry must replay, not double-charge.
	retry, replayed, err := client.Authorize(ctx, c, req)
	if err != nil {
		return fmt.Errorf("failed to retry authorize: %w", err)
	}
	if !replayed {
		return fmt.Errorf("retry with the same idempotency key must be replayed")
	}
	if retry.AuthorizationID != resp.AuthorizationID {
		return fmt.Errorf("replay returned a different authorization: %s vs %s",
			retry.AuthorizationID, resp.AuthorizationID)
	}

	return nil
}
