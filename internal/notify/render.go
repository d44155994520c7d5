package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/storage"
)

// Reminder kinds.
const (
	ReminderOneDayBefore = "one_day_before"
	ReminderExpiryDay    = "expiry_day"
)

var hundred = decimal.NewFromInt(100)

func pct(v float64) string {
	return decimal.NewFromFloat(v).Mul(hundred).StringFixed(2) + "%"
}

func price(v decimal.Decimal) string {
	if v.IsZero() {
		return "N/A"
	}
	return "$" + v.StringFixed(2)
}

// RenderSignal formats an alert for chat delivery.
func RenderSignal(sig storage.Signal, now time.Time) string {
	var b strings.Builder
	title := "Forward Factor Signal"
	if sig.IsDiscovery {
		title = "Discovery Signal"
	}
	fmt.Fprintf(&b, "🚨 %s: %s\n\n", title, sig.Ticker)
	fmt.Fprintf(&b, "📊 Forward Factor: %s\n", pct(sig.FF))
	fmt.Fprintf(&b, "Front IV (%dd): %s\n", sig.FrontDTE, pct(sig.FrontIV))
	fmt.Fprintf(&b, "Back IV (%dd): %s\n", sig.BackDTE, pct(sig.BackIV))
	fmt.Fprintf(&b, "Implied Forward IV: %s\n\n", pct(sig.SigmaFwd))
	b.WriteString("📅 Expiries:\n")
	fmt.Fprintf(&b, "Front: %s (%d DTE)\n", sig.FrontExpiry.Format(chain.DateLayout), sig.FrontDTE)
	fmt.Fprintf(&b, "Back: %s (%d DTE)\n\n", sig.BackExpiry.Format(chain.DateLayout), sig.BackDTE)
	fmt.Fprintf(&b, "💰 Underlying: %s\n", price(sig.UnderlyingPrice))
	fmt.Fprintf(&b, "📍 Vol Point: %s\n\n", sig.VolPoint)
	b.WriteString("📋 Strategy: Calendar Spread\n")
	b.WriteString("Sell front expiry, buy back expiry at the same strike.\n")
	b.WriteString("Close before front expiry.\n\n")
	fmt.Fprintf(&b, "🕐 Signal Time: %s UTC", now.UTC().Format("2006-01-02 15:04"))
	return b.String()
}

// RenderReminder formats a reminder of the given kind.
func RenderReminder(sig storage.Signal, kind string) string {
	var b strings.Builder
	front := sig.FrontExpiry.Format(chain.DateLayout)
	switch kind {
	case ReminderOneDayBefore:
		b.WriteString("⚠️ ACTION REQUIRED\n\n📅 Front leg expires tomorrow\n\n")
		fmt.Fprintf(&b, "%s Calendar Spread:\n", sig.Ticker)
		fmt.Fprintf(&b, "• Front: %s (expires tomorrow)\n", front)
		fmt.Fprintf(&b, "• Back: %s (%d DTE)\n\n", sig.BackExpiry.Format(chain.DateLayout), sig.BackDTE)
		b.WriteString("🔔 Consider closing or rolling the position before front expiration.\n\n")
	case ReminderExpiryDay:
		b.WriteString("⚠️ ACTION REQUIRED\n\n📅 Front leg expires TODAY\n\n")
		fmt.Fprintf(&b, "%s Calendar Spread:\n", sig.Ticker)
		fmt.Fprintf(&b, "• Front: %s (EXPIRES TODAY)\n", front)
		fmt.Fprintf(&b, "• Back: %s (%d DTE)\n\n", sig.BackExpiry.Format(chain.DateLayout), sig.BackDTE)
		b.WriteString("🔔 Close or roll the position before market close.\n\n")
	default:
		return fmt.Sprintf("Reminder for %s trade", sig.Ticker)
	}
	b.WriteString("Original signal:\n")
	fmt.Fprintf(&b, "• Forward Factor: %s\n", pct(sig.FF))
	fmt.Fprintf(&b, "• Front IV: %s\n", pct(sig.FrontIV))
	fmt.Fprintf(&b, "• Back IV: %s\n", pct(sig.BackIV))
	fmt.Fprintf(&b, "• Underlying: %s", price(sig.UnderlyingPrice))
	return b.String()
}

// DecisionLabel is the acknowledgement appended after a response.
func DecisionLabel(decision string) string {
	if decision == storage.DecisionPlaced {
		return "✅ Trade Placed"
	}
	return "❌ Ignored"
}
