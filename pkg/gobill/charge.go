package gobill

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChargeRequest asks the payment collaborator to collect an amount.
// IdempotencyKey is derived deterministically from the invoice so a retried
// call cannot double-charge even if the previous response was lost.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
	Description    string
}

// ChargeResult is the outcome of a charge attempt. Retryable distinguishes
// transient declines (retried on the dunning schedule) from terminal ones.
type ChargeResult struct {
	Success     bool
	ChargeRef   string
	FailureCode string
	Retryable   bool
}

// Charger is the opaque payment-processor collaborator.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Refunder is optionally implemented by chargers that can return money for
// proration credits. The engine skips credits when the charger cannot refund.
type Refunder interface {
	Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error)
}
