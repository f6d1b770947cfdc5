package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNegativeProrationPeriod indicates an activation date after the period
// end, for which no charge can be computed.
var ErrNegativeProrationPeriod = errors.New("cycle: activation date after period end")

// ProrationResult describes a partial-period charge.
type ProrationResult struct {
	Amount       decimal.Decimal
	DaysCharged  int
	DaysInPeriod int
	DailyRate    decimal.Decimal
	Breakdown    string
}

// Prorate computes the charge for the portion of [periodStart, periodEnd)
// from activation onward. The daily rate divides the monthly amount by the
// actual calendar length of the period, never a fixed 30. When activation is
// on or before the period start the full monthly amount is returned exactly,
// so a complete period can never underbill through rounding drift.
func Prorate(monthlyAmount decimal.Decimal, periodStart, periodEnd, activation time.Time) (ProrationResult, error) {
	return ProrateUntil(monthlyAmount, periodStart, periodEnd, activation, periodEnd)
}

// ProrateUntil charges from activation up to (exclusive) until, at the daily
// rate of the period [periodStart, periodEnd). The charged span may extend
// past the period end: a subscription activated before its cycle day is not
// billed again until the cycle day of the following month, so the first
// invoice has to cover more than the remainder of the activation period.
func ProrateUntil(monthlyAmount decimal.Decimal, periodStart, periodEnd, activation, until time.Time) (ProrationResult, error) {
	start := toDate(periodStart)
	end := toDate(periodEnd)
	act := toDate(activation)
	stop := toDate(until)

	if act.After(stop) {
		return ProrationResult{}, ErrNegativeProrationPeriod
	}
	daysInPeriod := daysBetween(start, end)
	if daysInPeriod <= 0 {
		return ProrationResult{}, fmt.Errorf("cycle: period end %s not after start %s", periodEnd.Format("2006-01-02"), periodStart.Format("2006-01-02"))
	}

	chargeFrom := act
	if chargeFrom.Before(start) {
		chargeFrom = start
	}
	daysCharged := daysBetween(chargeFrom, stop)
	dailyRate := monthlyAmount.Div(decimal.NewFromInt(int64(daysInPeriod)))

	var amount decimal.Decimal
	if daysCharged == daysInPeriod {
		// Exactly one full period: return the exact monthly amount,
		// absorbing any rounding remainder.
		amount = monthlyAmount.Round(2)
	} else {
		amount = dailyRate.Mul(decimal.NewFromInt(int64(daysCharged))).Round(2)
	}

	return ProrationResult{
		Amount:       amount,
		DaysCharged:  daysCharged,
		DaysInPeriod: daysInPeriod,
		DailyRate:    dailyRate,
		Breakdown: fmt.Sprintf("%d days / %d days x R%s = R%s",
			daysCharged, daysInPeriod, monthlyAmount.StringFixed(2), amount.StringFixed(2)),
	}, nil
}

func toDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
