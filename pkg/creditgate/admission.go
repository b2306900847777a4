package creditgate

import "fmt"

// Engine evaluates admission checks against an account and the global budget.
// It is pure: it reads its inputs and mutates nothing.
type Engine struct {
	catalog *Catalog
	bands   GraceBands
	policy  GracePolicy
}

// NewEngine creates an engine over catalog with the given grace bands and policy.
func NewEngine(catalog *Catalog, bands GraceBands, policy GracePolicy) *Engine {
	return &Engine{catalog: catalog, bands: bands, policy: policy}
}

// Decide runs the generation checks in order: global pause, credits, paste
// cap, PDF page cap, media duration cap, active working set. The first
// check that fails outside its grace band blocks. Internal failures come
// back as a degraded Outcome.
func (e *Engine) Decide(acct Account, budget GlobalBudget, req GenerationRequest) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.degraded(fmt.Errorf("admission panic: %v", r), !req.IsRecreateOfFailedAttempt)
		}
	}()

	d, err := e.decide(acct, budget, req)
	if err != nil {
		return e.degraded(err, !req.IsRecreateOfFailedAttempt)
	}
	return Outcome{Decision: d}
}

func (e *Engine) decide(acct Account, budget GlobalBudget, req GenerationRequest) (Decision, error) {
	if budget.State == BudgetPaused {
		return block(BlockBudget, CheckBudget, ReasonCapacityExhausted, RemedyRetryNextCycle), nil
	}

	cfg, ok := e.catalog.Lookup(acct.Tier)
	if !ok {
		return Decision{}, fmt.Errorf("%w: account %s has tier %q", ErrInvalidTier, acct.UserID, acct.Tier)
	}
	paid := cfg.Paid

	d := allow()
	d.CreditsNeeded = req.CreditsNeeded()

	if acct.CreditsRemaining < d.CreditsNeeded {
		if !paid && acct.CreditsRemaining == 0 && e.policy.freeSampleAvailable(acct) {
			d.Grace = GraceFreeSample
			d.CreditsNeeded = 0
			d.Warnings = append(d.Warnings, "no credits remaining, free sample granted")
		} else {
			remedies := []string{RemedyBuyCredits}
			if !paid {
				remedies = append(remedies, RemedyUpgradeTier)
			}
			b := block(BlockQuota, CheckCredits, ReasonOutOfCredits, remedies...)
			b.ShowBuyCreditsPrompt = true
			b.ShowUpgradePrompt = !paid
			b.CreditsNeeded = d.CreditsNeeded
			return b, nil
		}
	}

	pasteLimit := e.catalog.PasteCharLimit(cfg.Tier, budget.State)
	if req.SourceCharCount > pasteLimit {
		if req.SourceCharCount > e.bands.PasteGraceLimit(pasteLimit) {
			split := ceilDiv(req.SourceCharCount, pasteLimit)
			b := e.oversized(acct, paid, CheckPaste, ReasonPasteTooLong, split, RemedyShortenInput)
			b.Warnings = d.Warnings
			return b, nil
		}
		d.Warnings = append(d.Warnings, fmt.Sprintf("source text is over the %d character limit", pasteLimit))
	}

	if req.PDFPageCount != nil && *req.PDFPageCount > cfg.PDFPageLimit {
		pages := *req.PDFPageCount
		if pages > cfg.PDFPageLimit+e.bands.PDFPages {
			split := ceilDiv(pages, cfg.PDFPageLimit)
			b := e.oversized(acct, paid, CheckPDF, ReasonPDFTooLong, split, RemedyRemovePages)
			b.Warnings = d.Warnings
			return b, nil
		}
		d.Warnings = append(d.Warnings, fmt.Sprintf("pdf is over the %d page limit", cfg.PDFPageLimit))
	}

	if req.MediaDurationMinutes != nil && cfg.YouTubeMaxDurationMinutes > 0 &&
		*req.MediaDurationMinutes > cfg.YouTubeMaxDurationMinutes {
		if *req.MediaDurationMinutes > cfg.YouTubeMaxDurationMinutes+e.bands.MediaMinutes {
			remedies := []string{RemedyTrimMedia}
			if !paid {
				remedies = append(remedies, RemedyUpgradeTier)
			}
			b := block(BlockQuota, CheckMedia, ReasonMediaTooLong, remedies...)
			b.ShowUpgradePrompt = !paid
			b.Warnings = d.Warnings
			return b, nil
		}
		d.Warnings = append(d.Warnings, fmt.Sprintf("media is over the %d minute limit", cfg.YouTubeMaxDurationMinutes))
	}

	if !req.IsRecreateOfFailedAttempt {
		if acct.ActiveSetCount >= cfg.ActiveSetLimit {
			if acct.ActiveSetCount > cfg.ActiveSetLimit+e.bands.ActiveSets {
				b := block(BlockQuota, CheckActiveSet, ReasonTooManySets, RemedyArchiveSets, RemedyUpgradeTier)
				b.ShowUpgradePrompt = !paid
				b.Warnings = d.Warnings
				return b, nil
			}
			d.Warnings = append(d.Warnings, fmt.Sprintf("active sets are over the limit of %d", cfg.ActiveSetLimit))
		}
		d.NewActiveSet = true
	}

	return d, nil
}

// oversized builds the block for an input over its cap. Auto-split is only
// offered when the account can pay for every part.
func (e *Engine) oversized(acct Account, paid bool, check Check, reason string, split int, fix string) Decision {
	var remedies []string
	if acct.CreditsRemaining >= split {
		remedies = append(remedies, RemedyAutoSplit)
	}
	remedies = append(remedies, fix)
	if !paid {
		remedies = append(remedies, RemedyUpgradeTier)
	}
	b := block(BlockQuota, check, reason, remedies...)
	b.AutoSplitCredits = split
	b.ShowUpgradePrompt = !paid
	return b
}

// DecideExport checks a single export: the global pause first, then the
// export quota.
func (e *Engine) DecideExport(acct Account, budget GlobalBudget, _ ExportRequest) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.degraded(fmt.Errorf("export admission panic: %v", r), false)
		}
	}()

	if budget.State == BudgetPaused {
		return Outcome{Decision: block(BlockBudget, CheckBudget, ReasonCapacityExhausted, RemedyRetryNextCycle)}
	}

	cfg, ok := e.catalog.Lookup(acct.Tier)
	if !ok {
		return e.degraded(fmt.Errorf("%w: account %s has tier %q", ErrInvalidTier, acct.UserID, acct.Tier), false)
	}
	if acct.ExportsRemaining < 1 {
		remedies := []string{RemedyRetryNextCycle}
		if !cfg.Paid {
			remedies = append(remedies, RemedyUpgradeTier)
		}
		b := block(BlockQuota, CheckExports, ReasonOutOfExports, remedies...)
		b.ShowUpgradePrompt = !cfg.Paid
		return Outcome{Decision: b}
	}
	return Outcome{Decision: allow()}
}

func (e *Engine) degraded(err error, newSet bool) Outcome {
	if !e.policy.FailOpen {
		return Outcome{
			Decision: block(BlockUnavailable, CheckInternal, ReasonCheckUnavailable),
			Degraded: true,
			Err:      err,
		}
	}
	d := allow()
	d.Check = CheckInternal
	d.Grace = GraceFailOpen
	d.NewActiveSet = newSet
	d.Warnings = []string{"admission check degraded, request allowed"}
	return Outcome{Decision: d, Degraded: true, Err: err}
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
