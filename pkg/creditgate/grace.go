package creditgate

import "math"

// GracePolicyVersion tags every decision so a change to the bands below can be
// traced in stored records.
const GracePolicyVersion = "2025-01"

// GraceBands are the soft overage allowances applied by the admission checks.
type GraceBands struct {
	// PastePercent is the fraction over the paste cap still admitted (0.05 = 5%).
	PastePercent float64 `yaml:"paste_percent"`
	// PDFPages is the page count over the PDF cap still admitted.
	PDFPages int `yaml:"pdf_pages"`
	// ActiveSets is how many sets over the working-set cap are still admitted.
	ActiveSets int `yaml:"active_sets"`
	// MediaMinutes is the duration over the media cap still admitted.
	MediaMinutes int `yaml:"media_minutes"`
}

// DefaultGraceBands returns the production bands.
func DefaultGraceBands() GraceBands {
	return GraceBands{
		PastePercent: 0.05,
		PDFPages:     2,
		ActiveSets:   1,
	}
}

// PasteGraceLimit is the largest character count admitted for limit.
func (g GraceBands) PasteGraceLimit(limit int) int {
	// The epsilon absorbs float error so 100000*0.05 lands on 5000, not 4999.
	return limit + int(math.Floor(float64(limit)*g.PastePercent+1e-9))
}

// GracePolicy governs admissions that go through without a credit debit.
type GracePolicy struct {
	// FreeSampleEnabled lets a free-tier account with zero credits through
	// without a debit.
	FreeSampleEnabled bool `yaml:"free_sample_enabled"`

	// FreeSamplesPerCycle caps graced admissions per cycle. Zero means unlimited.
	FreeSamplesPerCycle int `yaml:"free_samples_per_cycle"`

	// FailOpen admits requests when the decision itself fails.
	FailOpen bool `yaml:"fail_open"`
}

// DefaultGracePolicy returns the production policy: free samples unbounded,
// fail open.
func DefaultGracePolicy() GracePolicy {
	return GracePolicy{
		FreeSampleEnabled: true,
		FailOpen:          true,
	}
}

func (p GracePolicy) freeSampleAvailable(acct Account) bool {
	if !p.FreeSampleEnabled {
		return false
	}
	return p.FreeSamplesPerCycle == 0 || acct.GraceUsedThisMonth < p.FreeSamplesPerCycle
}
