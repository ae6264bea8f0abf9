// Package catalog is the static provider/model catalog: per-provider default
// quotas, quota reset strategy, model capabilities and pricing.
package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Reset strategies
const (
	ResetFixedHour  = "fixed_hour"
	ResetRolling24h = "rolling_24h"
	ResetBackoff    = "backoff"
)

// Quality tiers, lowest first
const (
	TierBasic    = "basic"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Capabilities
const (
	CapabilityJSONMode = "json_mode"
	CapabilityVision   = "vision"
)

var tierRank = map[string]int{
	TierBasic:    1,
	TierStandard: 2,
	TierPremium:  3,
}

// maxBackoff caps the exponential quota backoff
const maxBackoff = 24 * time.Hour

// ResetPolicy describes when a provider's exhausted daily quota comes back
type ResetPolicy struct {
	Strategy string `yaml:"strategy"`
	Hour     int    `yaml:"hour"`
	Timezone string `yaml:"timezone"`

	loc *time.Location
}

// Model is a static model definition
type Model struct {
	ID               string `yaml:"id"`
	SupportsJSONMode bool   `yaml:"supports_json_mode"`
	SupportsVision   bool   `yaml:"supports_vision"`
	ContextWindow    int    `yaml:"context_window"`
	QualityTier      string `yaml:"quality_tier"`
	InputPer1k       string `yaml:"input_per_1k"`
	OutputPer1k      string `yaml:"output_per_1k"`

	inputPrice  decimal.Decimal
	outputPrice decimal.Decimal
}

// Provider groups the defaults and models for one provider id
type Provider struct {
	DailyQuota      int         `yaml:"daily_quota"`
	MinuteQuota     int         `yaml:"minute_quota"`
	DailyTokenQuota int64       `yaml:"daily_token_quota"`
	Reset           ResetPolicy `yaml:"reset"`
	Models          []Model     `yaml:"models"`
}

// Catalog is the parsed catalog
type Catalog struct {
	Providers map[string]*Provider `yaml:"providers"`
}

// Default returns the embedded catalog
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the embedded default when path is empty
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Providers) == 0 {
		return nil, fmt.Errorf("catalog has no providers")
	}

	for name, p := range c.Providers {
		switch p.Reset.Strategy {
		case "":
			p.Reset.Strategy = ResetBackoff
		case ResetBackoff, ResetRolling24h:
		case ResetFixedHour:
			if p.Reset.Hour < 0 || p.Reset.Hour > 23 {
				return nil, fmt.Errorf("provider %s: reset hour %d out of range", name, p.Reset.Hour)
			}
			tz := p.Reset.Timezone
			if tz == "" {
				tz = "UTC"
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			p.Reset.loc = loc
		default:
			return nil, fmt.Errorf("provider %s: unknown reset strategy %q", name, p.Reset.Strategy)
		}

		for i := range p.Models {
			m := &p.Models[i]
			if _, ok := tierRank[m.QualityTier]; !ok {
				return nil, fmt.Errorf("provider %s model %s: unknown quality tier %q", name, m.ID, m.QualityTier)
			}
			var err error
			if m.inputPrice, err = parsePrice(m.InputPer1k); err != nil {
				return nil, fmt.Errorf("provider %s model %s: input price: %w", name, m.ID, err)
			}
			if m.outputPrice, err = parsePrice(m.OutputPer1k); err != nil {
				return nil, fmt.Errorf("provider %s model %s: output price: %w", name, m.ID, err)
			}
		}
	}
	return &c, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Provider returns the entry for a provider id
func (c *Catalog) Provider(name string) (*Provider, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns the configured provider ids, sorted
func (c *Catalog) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for n := range c.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Model looks up a model definition
func (c *Catalog) Model(provider, modelID string) (*Model, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return nil, false
	}
	for i := range p.Models {
		if p.Models[i].ID == modelID {
			return &p.Models[i], true
		}
	}
	return nil, false
}

// ResetPolicy returns the provider's policy, falling back to backoff for unknown providers
func (c *Catalog) ResetPolicy(provider string) ResetPolicy {
	if p, ok := c.Providers[provider]; ok {
		return p.Reset
	}
	return ResetPolicy{Strategy: ResetBackoff}
}

// Cost prices a call; unknown models cost zero
func (c *Catalog) Cost(provider, modelID string, tokensIn, tokensOut int) decimal.Decimal {
	m, ok := c.Model(provider, modelID)
	if !ok {
		return decimal.Zero
	}
	thousand := decimal.NewFromInt(1000)
	in := m.inputPrice.Mul(decimal.NewFromInt(int64(tokensIn))).Div(thousand)
	out := m.outputPrice.Mul(decimal.NewFromInt(int64(tokensOut))).Div(thousand)
	return in.Add(out).Round(6)
}

// Supports reports whether the model satisfies every capability
func (m *Model) Supports(capabilities []string) bool {
	for _, c := range capabilities {
		switch c {
		case CapabilityJSONMode:
			if !m.SupportsJSONMode {
				return false
			}
		case CapabilityVision:
			if !m.SupportsVision {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// MeetsTier reports whether the model's tier is at least the requested one (empty = any)
func (m *Model) MeetsTier(tier string) bool {
	if tier == "" {
		return true
	}
	want, ok := tierRank[tier]
	if !ok {
		return false
	}
	return tierRank[m.QualityTier] >= want
}

// ValidTier reports whether tier names a known quality tier
func ValidTier(tier string) bool {
	_, ok := tierRank[tier]
	return ok
}

// NextBoundary returns the next wall-clock reset after now for a fixed_hour policy
func (r ResetPolicy) NextBoundary(now time.Time) time.Time {
	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), r.Hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, r.Hour, 0, 0, 0, loc)
	}
	return next
}

// BlockDuration picks how long an exhausted credential stays blocked when the provider gave no retry-after hint
func (r ResetPolicy) BlockDuration(now time.Time, consecutiveFailures int) time.Duration {
	switch r.Strategy {
	case ResetFixedHour:
		return r.NextBoundary(now).Sub(now)
	case ResetRolling24h:
		return 24 * time.Hour
	default:
		return Backoff(consecutiveFailures)
	}
}

// Backoff is min(2^n hours, 24h)
func Backoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}
	if consecutiveFailures >= 5 {
		return maxBackoff
	}
	d := time.Duration(math.Pow(2, float64(consecutiveFailures))) * time.Hour
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
