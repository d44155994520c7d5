package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/usercfg"
)

const daysPerYear = 365.0

// Quality scores attached to candidates.
const (
	QualityClean    = 1.0
	QualityDegraded = 0.5
)

// Rejection reasons reported by Evaluate for pairs that produced no candidate.
const (
	RejectMissingVolPoint   = "missing_vol_point"
	RejectMissingATM        = "missing_atm_contract"
	RejectInvalidFF         = "invalid_ff_calculation"
	RejectBelowThreshold    = "below_threshold"
	rejectSigmaFloorPrefix  = "sigma_fwd_below_floor_"
	reasonMissingQuotes     = "missing_quotes"
	reasonZeroMid           = "zero_mid_price"
	reasonMissingFieldValue = "missing"
)

// Leg summarises one side of a calendar pair.
type Leg struct {
	Expiry time.Time `json:"expiry"`
	DTE    int       `json:"dte"`
	IV     float64   `json:"iv"`
}

// Candidate is a pair that cleared the floor and threshold for one user config.
type Candidate struct {
	Ticker          string    `json:"ticker"`
	AsOf            time.Time `json:"as_of"`
	Front           Leg       `json:"front"`
	Back            Leg       `json:"back"`
	SigmaFwd        float64   `json:"sigma_fwd"`
	FF              float64   `json:"ff"`
	VolPoint        string    `json:"vol_point"`
	QualityScore    float64   `json:"quality_score"`
	ReasonCodes     []string  `json:"reason_codes"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Provider        string    `json:"provider"`
}

// ExpiryPair is a front/back expiry selection for one configured DTE pair.
type ExpiryPair struct {
	Front  *chain.ExpirySlice
	Back   *chain.ExpirySlice
	Target usercfg.DTEPair
}

// Rejection records why a paired expiry produced no candidate.
type Rejection struct {
	FrontExpiry time.Time
	BackExpiry  time.Time
	Reason      string
	ReasonCodes []string
}

// Evaluation is the full outcome of running one config against one snapshot.
type Evaluation struct {
	Candidates []Candidate
	Rejections []Rejection
}

// ForwardFactor returns (σ_front − σ_fwd) / σ_fwd, or false when the inputs do
// not describe a valid forward variance.
func ForwardFactor(frontIV float64, frontDTE int, backIV float64, backDTE int) (float64, bool) {
	sigmaFwd, ok := ForwardVol(frontIV, frontDTE, backIV, backDTE)
	if !ok {
		return 0, false
	}
	return (frontIV - sigmaFwd) / sigmaFwd, true
}

// ForwardVol returns the annualised forward volatility between two expiries.
// It rejects non-positive or inverted tenors, negative forward variance and a
// zero result.
func ForwardVol(frontIV float64, frontDTE int, backIV float64, backDTE int) (float64, bool) {
	t1 := float64(frontDTE) / daysPerYear
	t2 := float64(backDTE) / daysPerYear
	if t1 <= 0 || t2 <= 0 || t1 >= t2 {
		return 0, false
	}
	if math.IsNaN(frontIV) || math.IsNaN(backIV) || math.IsInf(frontIV, 0) || math.IsInf(backIV, 0) {
		return 0, false
	}

	v1 := frontIV * frontIV * t1
	v2 := backIV * backIV * t2
	vFwd := (v2 - v1) / (t2 - t1)
	if vFwd < 0 {
		return 0, false
	}
	sigma := math.Sqrt(vFwd)
	if sigma <= 0 {
		return 0, false
	}
	return sigma, true
}

// SelectVolPoint returns the implied volatility the method points at within
// slice. ATM uses the nearest strike of typ; "<N>d_put" and "<N>d_call" use the
// contract whose absolute delta is nearest N/100.
func SelectVolPoint(slice *chain.ExpirySlice, underlying float64, method string, typ chain.OptionType) (float64, bool) {
	if slice == nil {
		return 0, false
	}

	var (
		c  chain.Contract
		ok bool
	)
	switch {
	case method == usercfg.VolPointATM:
		c, ok = slice.NearestStrike(underlying, typ)
	case strings.HasSuffix(method, "d_put"):
		target, err := parseDelta(method, "d_put")
		if err != nil {
			return 0, false
		}
		c, ok = slice.NearestDelta(target, chain.Put)
	case strings.HasSuffix(method, "d_call"):
		target, err := parseDelta(method, "d_call")
		if err != nil {
			return 0, false
		}
		c, ok = slice.NearestDelta(target, chain.Call)
	default:
		return 0, false
	}
	if !ok || c.IV == nil {
		return 0, false
	}
	return *c.IV, true
}

func parseDelta(method, suffix string) (float64, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(method, suffix))
	if err != nil {
		return 0, err
	}
	return float64(n) / 100, nil
}

// PairExpiries selects front and back expiries for each configured pair,
// skipping pairs where either side is missing or the front is not earlier.
func PairExpiries(snap *chain.Snapshot, pairs []usercfg.DTEPair) []ExpiryPair {
	out := make([]ExpiryPair, 0, len(pairs))
	for _, p := range pairs {
		front, ok := snap.ExpiryNearDTE(p.Front, p.FrontTol)
		if !ok {
			continue
		}
		back, ok := snap.ExpiryNearDTE(p.Back, p.BackTol)
		if !ok {
			continue
		}
		if front.DTE >= back.DTE {
			continue
		}
		out = append(out, ExpiryPair{Front: front, Back: back, Target: p})
	}
	return out
}

// ApplyLiquidityFilters checks quote presence, spread, open interest and volume.
// Missing quotes or a non-positive mid stop evaluation immediately.
func ApplyLiquidityFilters(c chain.Contract, minOI, minVolume int64, maxBidAskPct float64) (bool, []string) {
	if c.Bid == nil || c.Ask == nil {
		return false, []string{reasonMissingQuotes}
	}
	mid := (*c.Bid + *c.Ask) / 2
	if mid <= 0 {
		return false, []string{reasonZeroMid}
	}

	var reasons []string
	spread := (*c.Ask - *c.Bid) / mid
	if spread > maxBidAskPct {
		reasons = append(reasons, fmt.Sprintf("wide_spread_%.2f%%", spread*100))
	}
	if c.OpenInterest == nil {
		reasons = append(reasons, "low_oi_"+reasonMissingFieldValue)
	} else if *c.OpenInterest < minOI {
		reasons = append(reasons, fmt.Sprintf("low_oi_%d", *c.OpenInterest))
	}
	if c.Volume == nil {
		reasons = append(reasons, "low_volume_"+reasonMissingFieldValue)
	} else if *c.Volume < minVolume {
		reasons = append(reasons, fmt.Sprintf("low_volume_%d", *c.Volume))
	}
	return len(reasons) == 0, reasons
}

// ComputeSignals returns the candidates for snap under cfg, highest FF first.
func ComputeSignals(snap *chain.Snapshot, cfg usercfg.SignalConfig) []Candidate {
	return Evaluate(snap, cfg).Candidates
}

// Evaluate runs every configured pair and reports both the candidates and the
// reason each remaining pair was dropped. It has no side effects.
func Evaluate(snap *chain.Snapshot, cfg usercfg.SignalConfig) Evaluation {
	var ev Evaluation
	if snap == nil {
		return ev
	}

	for _, pair := range PairExpiries(snap, cfg.DTEPairs) {
		reject := func(reason string, codes []string) {
			ev.Rejections = append(ev.Rejections, Rejection{
				FrontExpiry: pair.Front.Expiry,
				BackExpiry:  pair.Back.Expiry,
				Reason:      reason,
				ReasonCodes: codes,
			})
		}

		frontIV, ok := SelectVolPoint(pair.Front, snap.UnderlyingPrice, cfg.VolPoint, chain.Call)
		if !ok {
			reject(RejectMissingVolPoint, nil)
			continue
		}
		backIV, ok := SelectVolPoint(pair.Back, snap.UnderlyingPrice, cfg.BackVol(), chain.Call)
		if !ok {
			reject(RejectMissingVolPoint, nil)
			continue
		}

		frontATM, ok := pair.Front.NearestStrike(snap.UnderlyingPrice, chain.Call)
		if !ok {
			reject(RejectMissingATM, nil)
			continue
		}
		backATM, ok := pair.Back.NearestStrike(snap.UnderlyingPrice, chain.Call)
		if !ok {
			reject(RejectMissingATM, nil)
			continue
		}

		var codes []string
		if pass, reasons := ApplyLiquidityFilters(frontATM, cfg.MinOpenInterest, cfg.MinVolume, cfg.MaxBidAskPct); !pass {
			codes = appendPrefixed(codes, "front_", reasons)
		}
		if pass, reasons := ApplyLiquidityFilters(backATM, cfg.MinOpenInterest, cfg.MinVolume, cfg.MaxBidAskPct); !pass {
			codes = appendPrefixed(codes, "back_", reasons)
		}

		ff, ok := ForwardFactor(frontIV, pair.Front.DTE, backIV, pair.Back.DTE)
		if !ok {
			reject(RejectInvalidFF, codes)
			continue
		}
		sigmaFwd, _ := ForwardVol(frontIV, pair.Front.DTE, backIV, pair.Back.DTE)
		if sigmaFwd < cfg.SigmaFwdFloor {
			reject(fmt.Sprintf("%s%.4f", rejectSigmaFloorPrefix, sigmaFwd), codes)
			continue
		}
		if ff < cfg.FFThreshold {
			reject(RejectBelowThreshold, codes)
			continue
		}

		quality := QualityClean
		if len(codes) > 0 {
			quality = QualityDegraded
		}
		ev.Candidates = append(ev.Candidates, Candidate{
			Ticker:          snap.Ticker,
			AsOf:            snap.AsOf,
			Front:           Leg{Expiry: pair.Front.Expiry, DTE: pair.Front.DTE, IV: frontIV},
			Back:            Leg{Expiry: pair.Back.Expiry, DTE: pair.Back.DTE, IV: backIV},
			SigmaFwd:        sigmaFwd,
			FF:              ff,
			VolPoint:        cfg.VolPoint,
			QualityScore:    quality,
			ReasonCodes:     codes,
			UnderlyingPrice: snap.UnderlyingPrice,
			Provider:        snap.Provider,
		})
	}

	sort.SliceStable(ev.Candidates, func(i, j int) bool {
		a, b := ev.Candidates[i], ev.Candidates[j]
		if a.FF != b.FF {
			return a.FF > b.FF
		}
		if !a.Front.Expiry.Equal(b.Front.Expiry) {
			return a.Front.Expiry.Before(b.Front.Expiry)
		}
		return a.Back.Expiry.Before(b.Back.Expiry)
	})
	return ev
}

func appendPrefixed(dst []string, prefix string, reasons []string) []string {
	for _, r := range reasons {
		dst = append(dst, prefix+r)
	}
	return dst
}
