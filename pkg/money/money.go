// Package money holds the decimal arithmetic shared by pricing, settlement
// and refunds. Amounts are rounded half away from zero to the currency
// precision.
package money

import "github.com/shopspring/decimal"

// Round rounds amount to places decimal places.
func Round(amount decimal.Decimal, places int32) decimal.Decimal {
	return amount.Round(places)
}

// Percent returns amount * rate rounded to places.
func Percent(amount, rate decimal.Decimal, places int32) decimal.Decimal {
	return amount.Mul(rate).Round(places)
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Allocate splits amount across weights pro-rata. Shares are rounded to
// places and the rounding remainder goes to the last non-zero weight, so the
// shares always sum to amount exactly.
func Allocate(amount decimal.Decimal, weights []decimal.Decimal, places int32) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	total := Sum(weights...)
	if total.IsZero() {
		for i := range shares {
			shares[i] = decimal.Zero
		}
		return shares
	}

	last := -1
	allocated := decimal.Zero
	for i, w := range weights {
		shares[i] = amount.Mul(w).Div(total).Round(places)
		allocated = allocated.Add(shares[i])
		if !w.IsZero() {
			last = i
		}
	}
	if last >= 0 {
		shares[last] = shares[last].Add(amount.Sub(allocated))
	}
	return shares
}

// Split divides amount into n equal parts; the remainder lands on the first.
func Split(amount decimal.Decimal, n int, places int32) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	part := amount.Div(decimal.NewFromInt(int64(n))).RoundDown(places)
	parts := make([]decimal.Decimal, n)
	for i := range parts {
		parts[i] = part
	}
	parts[0] = parts[0].Add(amount.Sub(part.Mul(decimal.NewFromInt(int64(n)))))
	return parts
}
