// Package cycle implements billing cycle date arithmetic and pro-rata
// charge computation for recurring services.
package cycle

import (
	"errors"
	"fmt"
	"time"
)

// Frequency enumerates billing frequencies.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
	FrequencyOneTime   Frequency = "one_time"
)

var (
	// ErrInvalidCycleDay indicates a day outside the configured allow-list.
	ErrInvalidCycleDay = errors.New("cycle: invalid billing cycle day")
	// ErrInvalidFrequency indicates an unknown billing frequency.
	ErrInvalidFrequency = errors.New("cycle: invalid billing frequency")
	// ErrOneTimeFrequency indicates a next-date request for a one-off charge.
	ErrOneTimeFrequency = errors.New("cycle: one_time frequency has no next billing date")
)

// DefaultCycleDays is the operational allow-list of billing days. Billing
// runs are aligned to a fixed calendar, not arbitrary days of month.
var DefaultCycleDays = []int{1, 5, 25, 30}

// IsValidFrequency reports whether f is one of the enumerated frequencies.
func IsValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyAnnually, FrequencyOneTime:
		return true
	}
	return false
}

// Calculator performs next-billing-date arithmetic against a configured
// cycle day allow-list.
type Calculator struct {
	allowedDays map[int]struct{}
}

// NewCalculator builds a Calculator. With no days given the default
// allow-list {1, 5, 25, 30} applies.
func NewCalculator(allowedDays ...int) *Calculator {
	if len(allowedDays) == 0 {
		allowedDays = DefaultCycleDays
	}
	set := make(map[int]struct{}, len(allowedDays))
	for _, d := range allowedDays {
		set[d] = struct{}{}
	}
	return &Calculator{allowedDays: set}
}

// IsValidCycleDay reports whether day belongs to the allow-list.
func (c *Calculator) IsValidCycleDay(day int) bool {
	_, ok := c.allowedDays[day]
	return ok
}

// NextBillingDate computes the next billing date after from for the given
// cycle day and frequency. The day of month is clamped to the last day of
// the target month, so cycle day 30 bills on 28/29 February.
func (c *Calculator) NextBillingDate(cycleDay int, frequency Frequency, from time.Time) (time.Time, error) {
	if !c.IsValidCycleDay(cycleDay) {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidCycleDay, cycleDay)
	}
	if !IsValidFrequency(frequency) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, frequency)
	}
	months, err := monthsForFrequency(frequency)
	if err != nil {
		return time.Time{}, err
	}
	year, month, _ := from.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	return clampToMonth(target, cycleDay), nil
}

// PeriodEnd returns the exclusive end of a billing period that starts at
// start, preserving the start's day-of-month with month-length clamping.
func PeriodEnd(start time.Time, frequency Frequency) (time.Time, error) {
	months, err := monthsForFrequency(frequency)
	if err != nil {
		return time.Time{}, err
	}
	year, month, day := start.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	return clampToMonth(target, day), nil
}

// PeriodBounds returns the billing period containing onDate: the most
// recent cycle date at or before onDate, and the exclusive period end.
func (c *Calculator) PeriodBounds(cycleDay int, frequency Frequency, onDate time.Time) (time.Time, time.Time, error) {
	if !c.IsValidCycleDay(cycleDay) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d", ErrInvalidCycleDay, cycleDay)
	}
	months, err := monthsForFrequency(frequency)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	year, month, _ := onDate.Date()
	start := clampToMonth(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), cycleDay)
	for start.After(onDate) {
		year, month, _ = start.Date()
		start = clampToMonth(time.Date(year, month-time.Month(months), 1, 0, 0, 0, 0, time.UTC), cycleDay)
	}
	end, err := PeriodEnd(start, frequency)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// DayName produces a human label for a cycle day, matching the labels shown
// to customers when selecting a billing day.
func DayName(cycleDay int) string {
	switch cycleDay {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	case 30:
		return "30th (or last day)"
	default:
		return fmt.Sprintf("%dth", cycleDay)
	}
}

func monthsForFrequency(f Frequency) (int, error) {
	switch f {
	case FrequencyMonthly:
		return 1, nil
	case FrequencyQuarterly:
		return 3, nil
	case FrequencyAnnually:
		return 12, nil
	case FrequencyOneTime:
		return 0, ErrOneTimeFrequency
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, f)
	}
}

// clampToMonth places day within the month of firstOfMonth, falling back to
// the month's last day when shorter.
func clampToMonth(firstOfMonth time.Time, day int) time.Time {
	last := lastDayOfMonth(firstOfMonth)
	if day > last {
		day = last
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day, 0, 0, 0, 0, time.UTC)
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
