// Package currency validates multi-currency transaction input against the
// base accounting currency.
package currency

import (
	"fmt"
	"math"
)

const (
	// DefaultBase is the accounting currency all amounts settle in.
	DefaultBase = "UZS"

	// Tolerance bounds the acceptable drift between a provided base amount
	// and the amount recomputed from the exchange rate.
	Tolerance = 0.01
)

// Issue describes a single validation failure.
type Issue struct {
	Field      string   `json:"field"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Calculated *float64 `json:"calculated,omitempty"`
	Provided   *float64 `json:"provided,omitempty"`
}

// Result collects every failure instead of stopping at the first one.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors,omitempty"`
}

func (r *Result) add(issue Issue) {
	r.Valid = false
	r.Errors = append(r.Errors, issue)
}

// Input mirrors the monetary fields of an incoming transaction.
type Input struct {
	Currency       string
	ExchangeRate   *float64
	OriginalAmount *float64
	BaseAmount     *float64
}

// Validator checks transaction inputs against a base currency.
type Validator struct {
	Base string
}

func New(base string) Validator {
	if base == "" {
		base = DefaultBase
	}
	return Validator{Base: base}
}

// ValidateExchangeRate rejects missing, zero, and negative rates for foreign
// currency input. Base-currency input converts trivially, so any supplied
// rate is ignored.
func (v Validator) ValidateExchangeRate(currency string, rate *float64) *Issue {
	if currency == v.Base {
		return nil
	}
	if rate == nil {
		return &Issue{
			Field:   "exchange_rate",
			Code:    "rate_required",
			Message: fmt.Sprintf("exchange rate is required for %s amounts", currency),
		}
	}
	if *rate <= 0 {
		return &Issue{
			Field:    "exchange_rate",
			Code:     "rate_not_positive",
			Message:  "exchange rate must be greater than zero",
			Provided: rate,
		}
	}
	return nil
}

// ValidateConvertedAmount recomputes originalAmount*rate and compares it to
// the provided base amount within Tolerance.
func (v Validator) ValidateConvertedAmount(rate, originalAmount, baseAmount float64) *Issue {
	calculated := originalAmount * rate
	if math.Abs(calculated-baseAmount) <= Tolerance {
		return nil
	}
	provided := baseAmount
	return &Issue{
		Field:      "base_amount",
		Code:       "amount_mismatch",
		Message:    "base amount does not match original amount converted at the given rate",
		Calculated: &calculated,
		Provided:   &provided,
	}
}

// ValidateTransaction runs the full rule set over one transaction input.
func (v Validator) ValidateTransaction(in Input) Result {
	res := Result{Valid: true}
	if in.Currency == "" {
		res.add(Issue{Field: "currency", Code: "currency_required", Message: "currency is required"})
		return res
	}
	if issue := v.ValidateExchangeRate(in.Currency, in.ExchangeRate); issue != nil {
		res.add(*issue)
	}
	if in.BaseAmount != nil && *in.BaseAmount < 0 {
		res.add(Issue{
			Field:    "base_amount",
			Code:     "base_negative",
			Message:  fmt.Sprintf("converted %s amount must be non-negative", v.Base),
			Provided: in.BaseAmount,
		})
	}
	if in.Currency == v.Base {
		// The base amount is the amount; it must still be populated.
		if in.BaseAmount == nil {
			res.add(Issue{
				Field:   "base_amount",
				Code:    "base_required",
				Message: fmt.Sprintf("converted %s amount is required", v.Base),
			})
		}
		return res
	}
	if in.OriginalAmount == nil {
		res.add(Issue{
			Field:   "original_amount",
			Code:    "original_required",
			Message: fmt.Sprintf("original amount is required for %s amounts", in.Currency),
		})
	} else if *in.OriginalAmount <= 0 {
		res.add(Issue{
			Field:    "original_amount",
			Code:     "original_not_positive",
			Message:  "original amount must be greater than zero",
			Provided: in.OriginalAmount,
		})
	}
	if in.BaseAmount == nil {
		res.add(Issue{
			Field:   "base_amount",
			Code:    "base_required",
			Message: "base amount is required for foreign currency input",
		})
	}
	if in.ExchangeRate != nil && *in.ExchangeRate > 0 && in.OriginalAmount != nil && in.BaseAmount != nil {
		if issue := v.ValidateConvertedAmount(*in.ExchangeRate, *in.OriginalAmount, *in.BaseAmount); issue != nil {
			res.add(*issue)
		}
	}
	return res
}
