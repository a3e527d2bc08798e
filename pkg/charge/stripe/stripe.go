// Package stripe provides a gobill.Charger backed by Stripe PaymentIntents.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/gobill/gobill/pkg/gobill"
)

// zeroDecimalCurrencies are charged in whole units rather than cents.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {},
	"krw": {}, "mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {},
	"vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// retryableDeclineCodes are declines worth retrying on the dunning schedule.
// Everything else is treated as terminal: the card will not start working on
// its own, the customer has to act.
var retryableDeclineCodes = map[string]struct{}{
	"insufficient_funds":   {},
	"try_again_later":      {},
	"processing_error":     {},
	"issuer_not_available": {},
	"reenter_transaction":  {},
	"approve_with_id":      {},
}

// Charger implements gobill.Charger and gobill.Refunder using Stripe
// PaymentIntents and Refunds. The idempotency key on each request is passed
// through to Stripe, so a replayed call returns the original outcome.
type Charger struct {
	client *stripeapi.Client
}

// NewCharger creates a Stripe charger with the given secret key.
func NewCharger(apiKey string) *Charger {
	return &Charger{client: stripeapi.NewClient(apiKey)}
}

// NewChargerWithClient creates a Stripe charger over an existing client.
func NewChargerWithClient(client *stripeapi.Client) *Charger {
	return &Charger{client: client}
}

// Charge collects the requested amount by creating and confirming a
// PaymentIntent off-session against the stored payment method.
func (c *Charger) Charge(ctx context.Context, req gobill.ChargeRequest) (gobill.ChargeResult, error) {
	params := &stripeapi.PaymentIntentCreateParams{
		Amount:        stripeapi.Int64(minorUnits(req.Amount, req.Currency)),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripeapi.String(req.PaymentMethod),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
		Description:   stripeapi.String(req.Description),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := c.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return classifyError(err)
	}

	if intent.Status != stripeapi.PaymentIntentStatusSucceeded {
		// Confirm=true means anything short of succeeded is a decline that
		// needs customer action.
		return gobill.ChargeResult{
			Success:     false,
			ChargeRef:   intent.ID,
			FailureCode: string(intent.Status),
			Retryable:   false,
		}, nil
	}

	return gobill.ChargeResult{Success: true, ChargeRef: intent.ID}, nil
}

// Refund returns money against an earlier PaymentIntent, for proration
// credits on downgrades and mid-period cancellations.
func (c *Charger) Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idempotencyKey string) (gobill.ChargeResult, error) {
	params := &stripeapi.RefundCreateParams{
		PaymentIntent: stripeapi.String(chargeRef),
		Amount:        stripeapi.Int64(minorUnits(amount, "")),
	}
	params.SetIdempotencyKey(idempotencyKey)

	refund, err := c.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return classifyError(err)
	}
	return gobill.ChargeResult{Success: true, ChargeRef: refund.ID}, nil
}

// classifyError maps a Stripe error onto a charge outcome. Infrastructure
// failures surface as errors so the engine records a retryable attempt;
// declines come back as unsuccessful results with a failure code.
func classifyError(err error) (gobill.ChargeResult, error) {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		return gobill.ChargeResult{}, err
	}

	switch stripeErr.Type {
	case stripeapi.ErrorTypeAPI:
		return gobill.ChargeResult{}, fmt.Errorf("stripe api error: %w", err)
	case stripeapi.ErrorTypeCard:
		code := string(stripeErr.DeclineCode)
		if code == "" {
			code = string(stripeErr.Code)
		}
		_, retryable := retryableDeclineCodes[code]
		ref := ""
		if stripeErr.PaymentIntent != nil {
			ref = stripeErr.PaymentIntent.ID
		}
		return gobill.ChargeResult{
			Success:     false,
			ChargeRef:   ref,
			FailureCode: code,
			Retryable:   retryable,
		}, nil
	default:
		return gobill.ChargeResult{
			Success:     false,
			FailureCode: string(stripeErr.Code),
			Retryable:   false,
		}, nil
	}
}

// minorUnits converts a decimal amount to the currency's smallest unit.
func minorUnits(amount decimal.Decimal, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
