package creditgate

import (
	"fmt"
	"sort"
)

// Tier identifies a subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// QueuePriority orders generation work across tiers.
type QueuePriority string

const (
	PriorityLow    QueuePriority = "low"
	PriorityNormal QueuePriority = "normal"
	PriorityHigh   QueuePriority = "high"
)

// OutputCounts is how many items one credit produces.
type OutputCounts struct {
	Flashcards int `json:"flashcards" yaml:"flashcards"`
	Quiz       int `json:"quiz" yaml:"quiz"`
}

// OutputScaling holds per-credit output for the normal and degraded budget states.
type OutputScaling struct {
	Normal   OutputCounts `json:"normal" yaml:"normal"`
	Degraded OutputCounts `json:"degraded" yaml:"degraded"`
}

// TierConfig is the static quota table row for one tier.
type TierConfig struct {
	Tier Tier `json:"tier" yaml:"tier"`

	// Paid tiers never see the upgrade prompt on a credit block.
	Paid bool `json:"paid" yaml:"paid"`

	MonthlyCredits int `json:"monthly_credits" yaml:"monthly_credits"`
	MonthlyExports int `json:"monthly_exports" yaml:"monthly_exports"`

	PasteCharLimit int `json:"paste_char_limit" yaml:"paste_char_limit"`

	// SavingsPasteCharLimit replaces PasteCharLimit while the budget is not
	// normal. Zero keeps PasteCharLimit.
	SavingsPasteCharLimit int `json:"savings_paste_char_limit,omitempty" yaml:"savings_paste_char_limit"`

	PDFPageLimit              int `json:"pdf_page_limit" yaml:"pdf_page_limit"`
	ActiveSetLimit            int `json:"active_set_limit" yaml:"active_set_limit"`
	YouTubeMaxDurationMinutes int `json:"youtube_max_duration_minutes" yaml:"youtube_max_duration_minutes"`

	HasRollover   bool `json:"has_rollover" yaml:"has_rollover"`
	RolloverLimit int  `json:"rollover_limit" yaml:"rollover_limit"`

	QueuePriority QueuePriority `json:"queue_priority" yaml:"queue_priority"`
	Output        OutputScaling `json:"output" yaml:"output"`
}

func (c TierConfig) validate() error {
	if c.Tier == "" {
		return fmt.Errorf("%w: empty tier name", ErrInvalidTier)
	}
	for name, v := range map[string]int{
		"monthly_credits":              c.MonthlyCredits,
		"monthly_exports":              c.MonthlyExports,
		"savings_paste_char_limit":     c.SavingsPasteCharLimit,
		"youtube_max_duration_minutes": c.YouTubeMaxDurationMinutes,
		"rollover_limit":               c.RolloverLimit,
		"active_set_limit":             c.ActiveSetLimit,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s: %s is negative", ErrInvalidTier, c.Tier, name)
		}
	}
	if c.PasteCharLimit <= 0 {
		return fmt.Errorf("%w: %s: paste_char_limit must be positive", ErrInvalidTier, c.Tier)
	}
	if c.PDFPageLimit <= 0 {
		return fmt.Errorf("%w: %s: pdf_page_limit must be positive", ErrInvalidTier, c.Tier)
	}
	if !c.HasRollover && c.RolloverLimit > 0 {
		return fmt.Errorf("%w: %s: rollover_limit set without has_rollover", ErrInvalidTier, c.Tier)
	}
	switch c.QueuePriority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("%w: %s: unknown queue priority %q", ErrInvalidTier, c.Tier, c.QueuePriority)
	}
	return nil
}

// Catalog is the immutable tier table. It is built once and shared by every
// component that needs limits.
type Catalog struct {
	tiers       map[Tier]TierConfig
	defaultTier Tier
}

// NewCatalog validates configs and returns a catalog. Unknown tiers resolve to
// defaultTier.
func NewCatalog(configs []TierConfig, defaultTier Tier) (*Catalog, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrInvalidTier)
	}
	tiers := make(map[Tier]TierConfig, len(configs))
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := tiers[cfg.Tier]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidTier, cfg.Tier)
		}
		tiers[cfg.Tier] = cfg
	}
	if _, ok := tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q not configured", ErrInvalidTier, defaultTier)
	}
	return &Catalog{tiers: tiers, defaultTier: defaultTier}, nil
}

// DefaultCatalog returns the stock free/plus/pro table.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTierConfigs(), TierFree)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultTierConfigs returns the rows behind DefaultCatalog.
func DefaultTierConfigs() []TierConfig {
	return []TierConfig{
		{
			Tier:                      TierFree,
			MonthlyCredits:            10,
			MonthlyExports:            3,
			PasteCharLimit:            20000,
			SavingsPasteCharLimit:     10000,
			PDFPageLimit:              20,
			ActiveSetLimit:            5,
			YouTubeMaxDurationMinutes: 15,
			QueuePriority:             PriorityLow,
			Output: OutputScaling{
				Normal:   OutputCounts{Flashcards: 20, Quiz: 10},
				Degraded: OutputCounts{Flashcards: 10, Quiz: 5},
			},
		},
		{
			Tier:                      TierPlus,
			Paid:                      true,
			MonthlyCredits:            100,
			MonthlyExports:            30,
			PasteCharLimit:            100000,
			SavingsPasteCharLimit:     60000,
			PDFPageLimit:              100,
			ActiveSetLimit:            50,
			YouTubeMaxDurationMinutes: 60,
			HasRollover:               true,
			RolloverLimit:             25,
			QueuePriority:             PriorityNormal,
			Output: OutputScaling{
				Normal:   OutputCounts{Flashcards: 30, Quiz: 15},
				Degraded: OutputCounts{Flashcards: 20, Quiz: 10},
			},
		},
		{
			Tier:                      TierPro,
			Paid:                      true,
			MonthlyCredits:            300,
			MonthlyExports:            100,
			PasteCharLimit:            250000,
			PDFPageLimit:              300,
			ActiveSetLimit:            200,
			YouTubeMaxDurationMinutes: 180,
			HasRollover:               true,
			RolloverLimit:             100,
			QueuePriority:             PriorityHigh,
			Output: OutputScaling{
				Normal:   OutputCounts{Flashcards: 40, Quiz: 20},
				Degraded: OutputCounts{Flashcards: 30, Quiz: 15},
			},
		},
	}
}

// Lookup returns the row for tier and whether it exists.
func (c *Catalog) Lookup(tier Tier) (TierConfig, bool) {
	cfg, ok := c.tiers[tier]
	return cfg, ok
}

// ConfigFor returns the row for tier, or the default tier's row when tier is unknown.
func (c *Catalog) ConfigFor(tier Tier) TierConfig {
	if cfg, ok := c.tiers[tier]; ok {
		return cfg
	}
	return c.tiers[c.defaultTier]
}

// DefaultTier is the tier new and lapsed accounts land on.
func (c *Catalog) DefaultTier() Tier {
	return c.defaultTier
}

// IsPaidTier reports whether tier is a paid tier.
func (c *Catalog) IsPaidTier(tier Tier) bool {
	return c.ConfigFor(tier).Paid
}

// OutputCounts returns per-credit output for tier. Anything but a normal
// budget gets the degraded scaling.
func (c *Catalog) OutputCounts(tier Tier, state BudgetState) OutputCounts {
	cfg := c.ConfigFor(tier)
	if state == BudgetNormal {
		return cfg.Output.Normal
	}
	return cfg.Output.Degraded
}

// PasteCharLimit returns the paste cap for tier under the given budget state.
func (c *Catalog) PasteCharLimit(tier Tier, state BudgetState) int {
	cfg := c.ConfigFor(tier)
	if state != BudgetNormal && cfg.SavingsPasteCharLimit > 0 {
		return cfg.SavingsPasteCharLimit
	}
	return cfg.PasteCharLimit
}

// Tiers returns every configured tier, sorted by name.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for t := range c.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
