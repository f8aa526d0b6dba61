package utils

import (
	"github.com/shopspring/decimal"
)

// Tax rates are fixed by the billing rules: 7% VAT on stitching and lining,
// 3% withholding on the stitching subtotal.
var (
	VatRate         = decimal.New(7, -2)  // 0.07
	WithholdingRate = decimal.New(3, -2)  // 0.03
	vatMultiplier   = decimal.New(107, -2) // 1.07
)

// ApplyVat grosses a base value up by 7%.
func ApplyVat(base decimal.Decimal) decimal.Decimal {
	return base.Mul(vatMultiplier)
}

// SplitVatInclusive decomposes a VAT-inclusive value into base and VAT:
// base = value / 1.07, vat = value - base. The VAT part is derived by
// subtraction so base + vat always reproduces the input exactly.
func SplitVatInclusive(value decimal.Decimal) (base decimal.Decimal, vat decimal.Decimal) {
	base = value.DivRound(vatMultiplier, 4)
	vat = value.Sub(base)
	return base, vat
}

// VatOn returns 7% of a base value (exclusive pipeline, e.g. lining).
func VatOn(base decimal.Decimal) decimal.Decimal {
	return base.Mul(VatRate).Round(4)
}

// WithholdingOn returns the 3% withholding deduction for a stitching subtotal.
func WithholdingOn(base decimal.Decimal) decimal.Decimal {
	return base.Mul(WithholdingRate).Round(4)
}
