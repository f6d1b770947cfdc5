package shared

import (
	"errors"
	"time"
)

// PeriodKey identifies one scheduled execution window of a billing job,
// formatted as YYYY-MM. Together with the job type it forms the idempotency
// key that guarantees at-most-once execution of a run.
type PeriodKey string

const periodKeyLayout = "2006-01"

// ErrInvalidPeriodKey indicates a malformed period key.
var ErrInvalidPeriodKey = errors.New("invalid period key, want YYYY-MM")

// ParsePeriodKey validates and normalises a YYYY-MM string.
func ParsePeriodKey(s string) (PeriodKey, error) {
	t, err := time.Parse(periodKeyLayout, s)
	if err != nil {
		return "", ErrInvalidPeriodKey
	}
	return PeriodKey(t.Format(periodKeyLayout)), nil
}

// PeriodKeyFor returns the period key covering the given instant, in UTC.
func PeriodKeyFor(t time.Time) PeriodKey {
	return PeriodKey(t.UTC().Format(periodKeyLayout))
}

// Bounds returns the half-open interval [start, end) covered by the key.
func (k PeriodKey) Bounds() (time.Time, time.Time, error) {
	start, err := time.Parse(periodKeyLayout, string(k))
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidPeriodKey
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Contains reports whether the instant falls inside the period.
func (k PeriodKey) Contains(t time.Time) bool {
	start, end, err := k.Bounds()
	if err != nil {
		return false
	}
	u := t.UTC()
	return !u.Before(start) && u.Before(end)
}

func (k PeriodKey) String() string {
	return string(k)
}
