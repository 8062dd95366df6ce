package guardrail

import "strings"

// Rule names, in evaluation order.
const (
	RuleMaxPerTransaction    = "max_per_tx"
	RuleRateLimit            = "rate_limit"
	RuleDailyCap             = "daily_cap"
	RuleProgramAllowlist     = "program_allowlist"
	RuleDestinationBlocklist = "destination_blocklist"
)

// Config holds the spending limits applied to one account.
type Config struct {
	MaxPerTransaction   float64  `json:"max_per_transaction" yaml:"max_per_transaction"`
	MaxTxPerMinute      int      `json:"max_tx_per_minute" yaml:"max_tx_per_minute"`
	DailyCap            float64  `json:"daily_cap" yaml:"daily_cap"`
	AllowedPrograms     []string `json:"allowed_programs,omitempty" yaml:"allowed_programs"`
	BlockedDestinations []string `json:"blocked_destinations,omitempty" yaml:"blocked_destinations"`
}

// DefaultConfig returns the limits used when an agent does not override them.
func DefaultConfig() Config {
	return Config{
		MaxPerTransaction: 2,
		MaxTxPerMinute:    5,
		DailyCap:          10,
	}
}

// Merge overlays the non-zero fields of override onto c. Slices replace
// rather than append.
func (c Config) Merge(override Config) Config {
	merged := c.Clone()
	if override.MaxPerTransaction > 0 {
		merged.MaxPerTransaction = override.MaxPerTransaction
	}
	if override.MaxTxPerMinute > 0 {
		merged.MaxTxPerMinute = override.MaxTxPerMinute
	}
	if override.DailyCap > 0 {
		merged.DailyCap = override.DailyCap
	}
	if override.AllowedPrograms != nil {
		merged.AllowedPrograms = append([]string(nil), override.AllowedPrograms...)
	}
	if override.BlockedDestinations != nil {
		merged.BlockedDestinations = append([]string(nil), override.BlockedDestinations...)
	}
	return merged
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	clone := c
	if c.AllowedPrograms != nil {
		clone.AllowedPrograms = append([]string(nil), c.AllowedPrograms...)
	}
	if c.BlockedDestinations != nil {
		clone.BlockedDestinations = append([]string(nil), c.BlockedDestinations...)
	}
	return clone
}

// policy is the normalised, lookup-friendly form of a Config.
type policy struct {
	Config
	allowed map[string]struct{}
	blocked map[string]struct{}
}

func compile(cfg Config) policy {
	p := policy{Config: cfg.Clone()}
	if len(cfg.AllowedPrograms) > 0 {
		p.allowed = make(map[string]struct{}, len(cfg.AllowedPrograms))
		for _, id := range cfg.AllowedPrograms {
			p.allowed[normalize(id)] = struct{}{}
		}
	}
	if len(cfg.BlockedDestinations) > 0 {
		p.blocked = make(map[string]struct{}, len(cfg.BlockedDestinations))
		for _, dest := range cfg.BlockedDestinations {
			p.blocked[normalize(dest)] = struct{}{}
		}
	}
	return p
}

// normalize makes hex addresses compare case-insensitively.
func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
