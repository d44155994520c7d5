package usercfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Priority is the per-user scan priority tag.
type Priority string

const (
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
	PriorityTurbo    Priority = "turbo"
)

// VolPointATM selects the contract nearest the underlying price.
const VolPointATM = "ATM"

var volPointPattern = regexp.MustCompile(`^(ATM|\d{1,2}d_(put|call))$`)

// DTEPair is one front/back days-to-expiry target with its tolerance windows.
type DTEPair struct {
	Front    int `json:"front" mapstructure:"front"`
	Back     int `json:"back" mapstructure:"back"`
	FrontTol int `json:"front_tol" mapstructure:"front_tol"`
	BackTol  int `json:"back_tol" mapstructure:"back_tol"`
}

// QuietHours is a local time-of-day window during which alerts are dropped.
type QuietHours struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Start   string `json:"start" mapstructure:"start"`
	End     string `json:"end" mapstructure:"end"`
}

// SignalConfig holds one user's thresholds, filters and delivery preferences.
type SignalConfig struct {
	FFThreshold     float64    `json:"ff_threshold" mapstructure:"ff_threshold"`
	DTEPairs        []DTEPair  `json:"dte_pairs" mapstructure:"dte_pairs"`
	VolPoint        string     `json:"vol_point" mapstructure:"vol_point"`
	BackVolPoint    string     `json:"back_vol_point,omitempty" mapstructure:"back_vol_point"`
	MinOpenInterest int64      `json:"min_open_interest" mapstructure:"min_open_interest"`
	MinVolume       int64      `json:"min_volume" mapstructure:"min_volume"`
	MaxBidAskPct    float64    `json:"max_bid_ask_pct" mapstructure:"max_bid_ask_pct"`
	SigmaFwdFloor   float64    `json:"sigma_fwd_floor" mapstructure:"sigma_fwd_floor"`
	StabilityScans  int        `json:"stability_scans" mapstructure:"stability_scans"`
	CooldownMinutes int        `json:"cooldown_minutes" mapstructure:"cooldown_minutes"`
	DeltaFFMin      float64    `json:"delta_ff_min" mapstructure:"delta_ff_min"`
	QuietHours      QuietHours `json:"quiet_hours" mapstructure:"quiet_hours"`
	Timezone        string     `json:"timezone" mapstructure:"timezone"`
	ScanPriority    Priority   `json:"scan_priority" mapstructure:"scan_priority"`
	DiscoveryMode   bool       `json:"discovery_mode" mapstructure:"discovery_mode"`
}

// Default returns the built-in configuration new users start from.
func Default() SignalConfig {
	return SignalConfig{
		FFThreshold: 0.20,
		DTEPairs: []DTEPair{
			{Front: 30, Back: 60, FrontTol: 5, BackTol: 10},
			{Front: 30, Back: 90, FrontTol: 5, BackTol: 10},
			{Front: 60, Back: 90, FrontTol: 10, BackTol: 10},
		},
		VolPoint:        VolPointATM,
		MinOpenInterest: 100,
		MinVolume:       10,
		MaxBidAskPct:    0.08,
		SigmaFwdFloor:   0.05,
		StabilityScans:  2,
		CooldownMinutes: 120,
		DeltaFFMin:      0.02,
		QuietHours:      QuietHours{Enabled: false, Start: "22:00", End: "08:00"},
		Timezone:        "America/Vancouver",
		ScanPriority:    PriorityStandard,
	}
}

// Cooldown returns the re-alert cooldown as a duration.
func (c SignalConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// BackVol returns the vol-point method used for the back expiry.
func (c SignalConfig) BackVol() string {
	if c.BackVolPoint == "" {
		return c.VolPoint
	}
	return c.BackVolPoint
}

// Parse overlays a stored JSON document onto defaults and validates the result.
// An empty document yields the defaults.
func Parse(raw []byte, defaults SignalConfig) (SignalConfig, error) {
	cfg := defaults
	cfg.DTEPairs = append([]DTEPair(nil), defaults.DTEPairs...)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return SignalConfig{}, fmt.Errorf("decode user config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return SignalConfig{}, err
	}
	return cfg, nil
}

// Validate checks ranges and formats.
func (c SignalConfig) Validate() error {
	var errs []error
	if c.FFThreshold < 0 {
		errs = append(errs, errors.New("ff_threshold cannot be negative"))
	}
	if len(c.DTEPairs) == 0 {
		errs = append(errs, errors.New("dte_pairs must not be empty"))
	}
	for i, p := range c.DTEPairs {
		if p.Front <= 0 || p.Back <= 0 {
			errs = append(errs, fmt.Errorf("dte_pairs[%d]: front and back must be positive", i))
		}
		if p.Front >= p.Back {
			errs = append(errs, fmt.Errorf("dte_pairs[%d]: front must be less than back", i))
		}
		if p.FrontTol < 0 || p.BackTol < 0 {
			errs = append(errs, fmt.Errorf("dte_pairs[%d]: tolerances cannot be negative", i))
		}
	}
	if !volPointPattern.MatchString(c.VolPoint) {
		errs = append(errs, fmt.Errorf("vol_point %q is not ATM or <N>d_put/<N>d_call", c.VolPoint))
	}
	if c.BackVolPoint != "" && !volPointPattern.MatchString(c.BackVolPoint) {
		errs = append(errs, fmt.Errorf("back_vol_point %q is not ATM or <N>d_put/<N>d_call", c.BackVolPoint))
	}
	if c.MinOpenInterest < 0 || c.MinVolume < 0 {
		errs = append(errs, errors.New("min_open_interest and min_volume cannot be negative"))
	}
	if c.MaxBidAskPct <= 0 {
		errs = append(errs, errors.New("max_bid_ask_pct must be greater than zero"))
	}
	if c.SigmaFwdFloor < 0 {
		errs = append(errs, errors.New("sigma_fwd_floor cannot be negative"))
	}
	if c.StabilityScans < 1 {
		errs = append(errs, errors.New("stability_scans must be at least 1"))
	}
	if c.CooldownMinutes < 0 {
		errs = append(errs, errors.New("cooldown_minutes cannot be negative"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		errs = append(errs, fmt.Errorf("timezone %q is invalid", c.Timezone))
	}
	switch c.ScanPriority {
	case PriorityStandard, PriorityHigh, PriorityTurbo:
	default:
		errs = append(errs, fmt.Errorf("scan_priority %q must be standard, high or turbo", c.ScanPriority))
	}
	if c.QuietHours.Enabled {
		if _, _, err := ParseClock(c.QuietHours.Start); err != nil {
			errs = append(errs, fmt.Errorf("quiet_hours.start: %w", err))
		}
		if _, _, err := ParseClock(c.QuietHours.End); err != nil {
			errs = append(errs, fmt.Errorf("quiet_hours.end: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Contains reports whether now, viewed in tz, falls inside the window. Windows
// whose start is after their end wrap past midnight. Both bounds are inclusive.
func (q QuietHours) Contains(now time.Time, tz string) bool {
	if !q.Enabled {
		return false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false
	}
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := minuteOfDay(q.End)
	if err != nil {
		return false
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start > end {
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not HH:MM", v)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%q has an invalid hour", v)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q has an invalid minute", v)
	}
	return hour, minute, nil
}

func minuteOfDay(v string) (int, error) {
	h, m, err := ParseClock(v)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
