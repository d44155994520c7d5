package chain

import (
	"math"
	"sort"
	"time"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// MarketTimezone is the exchange timezone used for calendar-day arithmetic.
const MarketTimezone = "America/New_York"

// Contract is a single listed option as reported by the market-data provider.
// Market fields are optional because vendors omit them for illiquid strikes.
type Contract struct {
	Symbol       string
	Strike       float64
	Expiry       time.Time
	Type         OptionType
	Bid          *float64
	Ask          *float64
	Last         *float64
	Volume       *int64
	OpenInterest *int64
	IV           *float64
	Delta        *float64
	Gamma        *float64
	Theta        *float64
	Vega         *float64
}

// ExpirySlice groups the contracts sharing one expiry date.
type ExpirySlice struct {
	Expiry    time.Time
	DTE       int
	Contracts []Contract
}

// NearestStrike returns the contract of the given type whose strike is closest
// to price. Equidistant strikes resolve to the lower strike.
func (e *ExpirySlice) NearestStrike(price float64, typ OptionType) (Contract, bool) {
	var (
		best     Contract
		bestDist = math.Inf(1)
		found    bool
	)
	for _, c := range e.Contracts {
		if c.Type != typ {
			continue
		}
		dist := math.Abs(c.Strike - price)
		if !found || dist < bestDist || (dist == bestDist && c.Strike < best.Strike) {
			best, bestDist, found = c, dist, true
		}
	}
	return best, found
}

// NearestDelta returns the contract of the given type whose absolute delta is
// closest to target. Contracts without a delta are ignored; ties resolve to the
// lower strike.
func (e *ExpirySlice) NearestDelta(target float64, typ OptionType) (Contract, bool) {
	target = math.Abs(target)
	var (
		best     Contract
		bestDist = math.Inf(1)
		found    bool
	)
	for _, c := range e.Contracts {
		if c.Type != typ || c.Delta == nil {
			continue
		}
		dist := math.Abs(math.Abs(*c.Delta) - target)
		if !found || dist < bestDist || (dist == bestDist && c.Strike < best.Strike) {
			best, bestDist, found = c, dist, true
		}
	}
	return best, found
}

// Snapshot is an immutable point-in-time view of one ticker's option chain.
type Snapshot struct {
	Ticker          string
	AsOf            time.Time
	UnderlyingPrice float64
	Provider        string
	Expiries        []ExpirySlice
}

// ExpiryNearDTE returns the expiry whose DTE is closest to target within tol.
// When two expiries are equally close the earlier one wins.
func (s *Snapshot) ExpiryNearDTE(target, tol int) (*ExpirySlice, bool) {
	var (
		best     *ExpirySlice
		bestDist int
	)
	for i := range s.Expiries {
		exp := &s.Expiries[i]
		dist := exp.DTE - target
		if dist < 0 {
			dist = -dist
		}
		if dist > tol {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && exp.Expiry.Before(best.Expiry)) {
			best, bestDist = exp, dist
		}
	}
	return best, best != nil
}

// GroupByExpiry buckets contracts into slices ordered by expiry date, computing
// DTE relative to asOf.
func GroupByExpiry(contracts []Contract, asOf time.Time) []ExpirySlice {
	byDate := make(map[string]*ExpirySlice)
	for _, c := range contracts {
		key := c.Expiry.Format(DateLayout)
		slice, ok := byDate[key]
		if !ok {
			slice = &ExpirySlice{Expiry: c.Expiry, DTE: DaysToExpiry(c.Expiry, asOf)}
			byDate[key] = slice
		}
		slice.Contracts = append(slice.Contracts, c)
	}

	out := make([]ExpirySlice, 0, len(byDate))
	for _, slice := range byDate {
		out = append(out, *slice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out
}
