package chain

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DateLayout is the ISO calendar date format used for expiries everywhere.
const DateLayout = "2006-01-02"

var marketLoc = mustLoadLocation(MarketTimezone)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load timezone %s: %v", name, err))
	}
	return loc
}

// MarketLocation returns the exchange timezone.
func MarketLocation() *time.Location {
	return marketLoc
}

// ParseDate parses a YYYY-MM-DD expiry into a UTC midnight date.
func ParseDate(v string) (time.Time, error) {
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", v, err)
	}
	return t, nil
}

// DaysToExpiry counts calendar days from asOf (taken in exchange time) to expiry.
func DaysToExpiry(expiry, asOf time.Time) int {
	local := asOf.In(marketLoc)
	ref := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	exp := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(exp.Sub(ref).Hours() / 24)
}
