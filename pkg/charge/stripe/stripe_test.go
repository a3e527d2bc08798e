package stripe

import (
	"testing"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v83"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"29.99", "usd", 2999},
		{"29.99", "USD", 2999},
		{"0.50", "eur", 50},
		{"100", "usd", 10000},
		{"66.67", "usd", 6667},
		{"66.675", "usd", 6668},
		{"1000", "jpy", 1000},
		{"1000", "JPY", 1000},
		{"250", "krw", 250},
	}

	for _, tt := range tests {
		got := minorUnits(decimal.RequireFromString(tt.amount), tt.currency)
		assert.Equal(t, tt.want, got, "%s %s", tt.amount, tt.currency)
	}
}

func TestClassifyError_CardDeclines(t *testing.T) {
	tests := []struct {
		name        string
		declineCode stripeapi.DeclineCode
		retryable   bool
	}{
		{"insufficient funds retries", stripeapi.DeclineCodeInsufficientFunds, true},
		{"try again later retries", stripeapi.DeclineCodeTryAgainLater, true},
		{"processing error retries", stripeapi.DeclineCodeProcessingError, true},
		{"stolen card is terminal", stripeapi.DeclineCodeStolenCard, false},
		{"lost card is terminal", stripeapi.DeclineCodeLostCard, false},
		{"generic decline is terminal", stripeapi.DeclineCodeGenericDecline, false},
		{"expired card is terminal", stripeapi.DeclineCodeExpiredCard, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stripeErr := &stripeapi.Error{
				Type:        stripeapi.ErrorTypeCard,
				DeclineCode: tt.declineCode,
			}
			res, err := classifyError(stripeErr)
			require.NoError(t, err, "declines are outcomes, not errors")
			assert.False(t, res.Success)
			assert.Equal(t, string(tt.declineCode), res.FailureCode)
			assert.Equal(t, tt.retryable, res.Retryable)
		})
	}
}

func TestClassifyError_CardErrorWithoutDeclineCode(t *testing.T) {
	stripeErr := &stripeapi.Error{
		Type: stripeapi.ErrorTypeCard,
		Code: stripeapi.ErrorCodeExpiredCard,
	}
	res, err := classifyError(stripeErr)
	require.NoError(t, err)
	assert.Equal(t, string(stripeapi.ErrorCodeExpiredCard), res.FailureCode)
	assert.False(t, res.Retryable)
}

func TestClassifyError_APIErrorSurfacesAsError(t *testing.T) {
	stripeErr := &stripeapi.Error{Type: stripeapi.ErrorTypeAPI}
	_, err := classifyError(stripeErr)
	assert.Error(t, err, "infrastructure failures are retried with the same idempotency key")
}

func TestClassifyError_InvalidRequestIsTerminal(t *testing.T) {
	stripeErr := &stripeapi.Error{
		Type: stripeapi.ErrorTypeInvalidRequest,
		Code: stripeapi.ErrorCodeAmountTooSmall,
	}
	res, err := classifyError(stripeErr)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestClassifyError_NonStripeErrorPassesThrough(t *testing.T) {
	_, err := classifyError(assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
}
