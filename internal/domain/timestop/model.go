package timestop

import "time"

// Market regimes used to select the TTL multiplier.
const (
	RegimeTrend      = "TREND"
	RegimeRange      = "RANGE"
	RegimeTransition = "TRANSITION"
)

// Close policies for expired positions.
const (
	// PolicyHard forces a full close immediately regardless of profit.
	PolicyHard = "HARD"
	// PolicySoft only forces a close once profit clears the fee gate;
	// otherwise the expiry is recorded and the lot stays open.
	PolicySoft = "SOFT"
)

// WildcardPair matches any pair within a market.
const WildcardPair = "*"

// Config is the per-(pair, market) time-stop configuration row.
// Pair may be WildcardPair.
type Config struct {
	Pair                    string    `json:"pair"`
	Market                  string    `json:"market"`
	TTLBaseHours            float64   `json:"ttl_base_hours"`
	FactorTrend             float64   `json:"factor_trend"`
	FactorRange             float64   `json:"factor_range"`
	FactorTransition        float64   `json:"factor_transition"`
	MinTTLHours             float64   `json:"min_ttl_hours"`
	MaxTTLHours             float64   `json:"max_ttl_hours"`
	ClosePolicy             string    `json:"close_policy"` // HARD | SOFT
	CloseOrderType          string    `json:"close_order_type"`
	LimitFallbackSeconds    int       `json:"limit_fallback_seconds"`
	TelegramAlertEnabled    bool      `json:"telegram_alert_enabled"`
	LogExpiryEvenIfDisabled bool      `json:"log_expiry_even_if_disabled"`
	IsActive                bool      `json:"is_active"`
	UpdatedTS               time.Time `json:"updated_ts"`
}

// RegimeFactor returns the multiplier configured for a regime.
// Unknown regimes fall back to the transition factor.
func (c *Config) RegimeFactor(regime string) float64 {
	switch regime {
	case RegimeTrend:
		return c.FactorTrend
	case RegimeRange:
		return c.FactorRange
	default:
		return c.FactorTransition
	}
}

// Decision is the resolved TTL and close policy for one lot.
type Decision struct {
	TTLHours                float64 `json:"ttl_hours"`
	ClosePolicy             string  `json:"close_policy"`
	CloseOrderType          string  `json:"close_order_type"`
	LimitFallbackSeconds    int     `json:"limit_fallback_seconds"`
	AlertEnabled            bool    `json:"alert_enabled"`
	LogExpiryEvenIfDisabled bool    `json:"log_expiry_even_if_disabled"`
	Source                  string  `json:"source"` // EXACT | WILDCARD | LEGACY
}

// Decision sources.
const (
	SourceExact    = "EXACT"
	SourceWildcard = "WILDCARD"
	SourceLegacy   = "LEGACY"
)
