package metering

import "github.com/shopspring/decimal"

// Credits are stored as integer micro-credits so period sums never accumulate
// floating point drift.
const microPerCredit = 1_000_000

func ToMicro(credits decimal.Decimal) int64 {
	return credits.Mul(decimal.NewFromInt(microPerCredit)).Round(0).IntPart()
}

func FromMicro(micro int64) decimal.Decimal {
	return decimal.New(micro, -6)
}
