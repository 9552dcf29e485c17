package currency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestValidateTransactionBaseCurrency(t *testing.T) {
	v := New("UZS")

	res := v.ValidateTransaction(Input{Currency: "UZS", BaseAmount: f(50000)})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	// A rate on a base-currency row converts trivially and is ignored.
	res = v.ValidateTransaction(Input{Currency: "UZS", ExchangeRate: f(12500), BaseAmount: f(50000)})
	assert.True(t, res.Valid)

	// The converted amount must still be populated for the base currency.
	res = v.ValidateTransaction(Input{Currency: "UZS"})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "base_required", res.Errors[0].Code)

	res = v.ValidateTransaction(Input{Currency: "UZS", BaseAmount: f(-1)})
	require.False(t, res.Valid)
	assert.Equal(t, "base_negative", res.Errors[0].Code)
}

func TestValidateTransactionForeignCurrency(t *testing.T) {
	v := New("UZS")

	// USD income converted at 12650: 100 * 12650 = 1265000.
	res := v.ValidateTransaction(Input{
		Currency:       "USD",
		ExchangeRate:   f(12650),
		OriginalAmount: f(100),
		BaseAmount:     f(1265000),
	})
	assert.True(t, res.Valid)

	// Drift within tolerance still passes.
	res = v.ValidateTransaction(Input{
		Currency:       "USD",
		ExchangeRate:   f(12650),
		OriginalAmount: f(100),
		BaseAmount:     f(1265000.005),
	})
	assert.True(t, res.Valid)
}

func TestValidateTransactionAmountMismatch(t *testing.T) {
	v := New("UZS")
	res := v.ValidateTransaction(Input{
		Currency:       "USD",
		ExchangeRate:   f(12650),
		OriginalAmount: f(100),
		BaseAmount:     f(1200000),
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	issue := res.Errors[0]
	assert.Equal(t, "amount_mismatch", issue.Code)
	require.NotNil(t, issue.Calculated)
	require.NotNil(t, issue.Provided)
	assert.InDelta(t, 1265000, *issue.Calculated, 0.001)
	assert.InDelta(t, 1200000, *issue.Provided, 0.001)
}

func TestValidateTransactionMissingFields(t *testing.T) {
	v := New("UZS")

	res := v.ValidateTransaction(Input{Currency: "EUR"})
	require.False(t, res.Valid)
	codes := make(map[string]bool)
	for _, issue := range res.Errors {
		codes[issue.Code] = true
	}
	assert.True(t, codes["rate_required"])
	assert.True(t, codes["original_required"])
	assert.True(t, codes["base_required"])

	res = v.ValidateTransaction(Input{Currency: ""})
	require.False(t, res.Valid)
	assert.Equal(t, "currency_required", res.Errors[0].Code)
}

func TestValidateExchangeRateBounds(t *testing.T) {
	v := New("UZS")

	issue := v.ValidateExchangeRate("USD", f(0))
	require.NotNil(t, issue)
	assert.Equal(t, "rate_not_positive", issue.Code)

	issue = v.ValidateExchangeRate("USD", f(-3))
	require.NotNil(t, issue)
	assert.Equal(t, "rate_not_positive", issue.Code)

	assert.Nil(t, v.ValidateExchangeRate("USD", f(12650)))
	assert.Nil(t, v.ValidateExchangeRate("UZS", nil))
	assert.Nil(t, v.ValidateExchangeRate("UZS", f(12650)))
}

func TestNewDefaultsBase(t *testing.T) {
	v := New("")
	assert.Equal(t, DefaultBase, v.Base)
}
