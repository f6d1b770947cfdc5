package cycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestProrateFullPeriodReturnsMonthlyAmount(t *testing.T) {
	monthly := decimal.NewFromInt(900)

	res, err := Prorate(monthly, date(2026, time.February, 1), date(2026, time.March, 1), date(2026, time.February, 1))
	require.NoError(t, err)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(900)), "got %s", res.Amount)
	require.Equal(t, 28, res.DaysCharged)
	require.Equal(t, 28, res.DaysInPeriod)
}

func TestProrateMidPeriodActivation(t *testing.T) {
	monthly := decimal.NewFromInt(900)

	res, err := Prorate(monthly, date(2026, time.February, 1), date(2026, time.March, 1), date(2026, time.February, 15))
	require.NoError(t, err)
	require.Equal(t, "450.00", res.Amount.StringFixed(2))
	require.Equal(t, 14, res.DaysCharged)
	require.Equal(t, 28, res.DaysInPeriod)
	require.Equal(t, "14 days / 28 days x R900.00 = R450.00", res.Breakdown)
}

func TestProrateActivationBeforePeriodStart(t *testing.T) {
	monthly := decimal.RequireFromString("899.00")

	res, err := Prorate(monthly, date(2026, time.April, 1), date(2026, time.May, 1), date(2026, time.March, 20))
	require.NoError(t, err)
	require.True(t, res.Amount.Equal(monthly))
	require.Equal(t, res.DaysInPeriod, res.DaysCharged)
}

// Activation on 10 Feb with cycle day 25: the first aligned billing date is
// 25 Mar, so the charge spans 43 days at the activation period's daily rate
// (31 days, 25 Jan to 25 Feb).
func TestProrateUntilSpansPastPeriodEnd(t *testing.T) {
	monthly := decimal.NewFromInt(900)

	res, err := ProrateUntil(monthly,
		date(2026, time.January, 25), date(2026, time.February, 25),
		date(2026, time.February, 10), date(2026, time.March, 25))
	require.NoError(t, err)
	require.Equal(t, 43, res.DaysCharged)
	require.Equal(t, 31, res.DaysInPeriod)
	require.Equal(t, "1248.39", res.Amount.StringFixed(2))
	require.Equal(t, "43 days / 31 days x R900.00 = R1248.39", res.Breakdown)
}

func TestProrateUntilMatchesProrateAtPeriodEnd(t *testing.T) {
	monthly := decimal.NewFromInt(900)
	start, end := date(2026, time.February, 1), date(2026, time.March, 1)
	act := date(2026, time.February, 15)

	a, err := Prorate(monthly, start, end, act)
	require.NoError(t, err)
	b, err := ProrateUntil(monthly, start, end, act, end)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestProrateNegativePeriod(t *testing.T) {
	_, err := Prorate(decimal.NewFromInt(900), date(2026, time.February, 1), date(2026, time.March, 1), date(2026, time.March, 2))
	require.ErrorIs(t, err, ErrNegativeProrationPeriod)
}

func TestProrateRoundsToCents(t *testing.T) {
	// 799 / 31 = 25.774193..., 10 days => 257.74
	res, err := Prorate(decimal.NewFromInt(799), date(2026, time.January, 1), date(2026, time.February, 1), date(2026, time.January, 22))
	require.NoError(t, err)
	require.Equal(t, "257.74", res.Amount.StringFixed(2))
	require.Equal(t, 10, res.DaysCharged)
	require.Equal(t, 31, res.DaysInPeriod)
}

// Twelve full monthly periods must sum to exactly twelve times the monthly
// amount; the full-period short-circuit keeps rounding drift out of the
// annual total.
func TestProrateYearSumInvariant(t *testing.T) {
	monthly := decimal.RequireFromString("899.00")
	total := decimal.Zero

	start := date(2026, time.January, 1)
	for i := 0; i < 12; i++ {
		periodStart := start.AddDate(0, i, 0)
		periodEnd := start.AddDate(0, i+1, 0)
		res, err := Prorate(monthly, periodStart, periodEnd, date(2025, time.June, 1))
		require.NoError(t, err)
		total = total.Add(res.Amount)
	}

	require.True(t, total.Equal(monthly.Mul(decimal.NewFromInt(12))), "got %s", total)
}
