package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/engine"
	"forward-factor-alerts/internal/usercfg"
)

// Tier names stored in the ticker registry.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// Decision values recorded for a recipient's response to an alert.
const (
	DecisionPlaced  = "placed"
	DecisionIgnored = "ignored"
)

// Signal is a persisted, deduplicated alert candidate.
type Signal struct {
	ID              uuid.UUID
	Ticker          string
	AsOf            time.Time
	FrontExpiry     time.Time
	BackExpiry      time.Time
	FrontDTE        int
	BackDTE         int
	FrontIV         float64
	BackIV          float64
	SigmaFwd        float64
	FF              float64
	VolPoint        string
	QualityScore    float64
	ReasonCodes     []string
	DedupeKey       string
	UnderlyingPrice decimal.Decimal
	Provider        string
	IsDiscovery     bool
	CreatedAt       time.Time
}

// NewSignal converts an engine candidate into a row ready for insertion.
func NewSignal(c engine.Candidate, discovery bool) Signal {
	return Signal{
		ID:              uuid.New(),
		Ticker:          strings.ToUpper(c.Ticker),
		AsOf:            c.AsOf,
		FrontExpiry:     c.Front.Expiry,
		BackExpiry:      c.Back.Expiry,
		FrontDTE:        c.Front.DTE,
		BackDTE:         c.Back.DTE,
		FrontIV:         c.Front.IV,
		BackIV:          c.Back.IV,
		SigmaFwd:        c.SigmaFwd,
		FF:              c.FF,
		VolPoint:        c.VolPoint,
		QualityScore:    c.QualityScore,
		ReasonCodes:     c.ReasonCodes,
		DedupeKey:       DedupeKey(c.Ticker, c.Front.Expiry, c.Back.Expiry, c.AsOf),
		UnderlyingPrice: decimal.NewFromFloat(c.UnderlyingPrice),
		Provider:        c.Provider,
		IsDiscovery:     discovery,
	}
}

// DedupeKey hashes the calendar pair and the UTC day of observation, so at most
// one row exists per pair per day.
func DedupeKey(ticker string, front, back, asOf time.Time) string {
	raw := strings.Join([]string{
		strings.ToUpper(ticker),
		front.Format(chain.DateLayout),
		back.Format(chain.DateLayout),
		asOf.UTC().Format(chain.DateLayout),
	}, ":")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Recipient is an active user with their stored signal settings.
type Recipient struct {
	UserID   uuid.UUID
	ChatID   string
	Settings json.RawMessage
}

// Config parses the stored settings over defaults.
func (r Recipient) Config(defaults usercfg.SignalConfig) (usercfg.SignalConfig, error) {
	return usercfg.Parse(r.Settings, defaults)
}

// TickerDemand is the active subscriber count for a ticker with each
// subscriber's scan priority tag.
type TickerDemand struct {
	Ticker      string
	Subscribers int
	Priorities  []string
}

// TickerTierEntry is one row of the scan registry.
type TickerTierEntry struct {
	Ticker            string
	ActiveSubscribers int
	Tier              string
	LastScanAt        *time.Time
}

// DecisionRecord captures a recipient's response to an alert.
type DecisionRecord struct {
	ID        uuid.UUID
	SignalID  uuid.UUID
	UserID    uuid.UUID
	Decision  string
	DecidedAt time.Time
	Metadata  map[string]any
}
