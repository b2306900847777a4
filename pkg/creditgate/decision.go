package creditgate

// BlockKind separates personal-quota blocks from systemwide ones.
type BlockKind string

const (
	BlockNone   BlockKind = ""
	BlockQuota  BlockKind = "quota"
	BlockBudget BlockKind = "budget"
	// BlockUnavailable is used when the decision failed and fail-open is off.
	BlockUnavailable BlockKind = "unavailable"
)

// Check names an admission check.
type Check string

const (
	CheckNone      Check = ""
	CheckBudget    Check = "budget"
	CheckCredits   Check = "credits"
	CheckPaste     Check = "paste"
	CheckPDF       Check = "pdf"
	CheckMedia     Check = "media"
	CheckActiveSet Check = "active_set"
	CheckExports   Check = "exports"
	CheckInternal  Check = "internal"
)

// GraceKind names the path that let a request through without a debit.
type GraceKind string

const (
	GraceNone       GraceKind = ""
	GraceFreeSample GraceKind = "free_sample"
	GraceFailOpen   GraceKind = "fail_open"
)

// Remedy actions shown to the user alongside a block.
const (
	RemedyRetryNextCycle = "retry next cycle"
	RemedyBuyCredits     = "buy credits"
	RemedyUpgradeTier    = "upgrade tier"
	RemedyAutoSplit      = "auto-split"
	RemedyShortenInput   = "shorten input"
	RemedyRemovePages    = "remove pages"
	RemedyTrimMedia      = "trim media"
	RemedyArchiveSets    = "archive sets"
)

// Block reasons.
const (
	ReasonCapacityExhausted = "systemwide capacity exhausted"
	ReasonOutOfCredits      = "out of credits"
	ReasonPasteTooLong      = "source text exceeds paste limit"
	ReasonPDFTooLong        = "pdf exceeds page limit"
	ReasonMediaTooLong      = "media exceeds duration limit"
	ReasonTooManySets       = "active set limit reached"
	ReasonOutOfExports      = "export quota exhausted"
	ReasonCheckUnavailable  = "admission check unavailable"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	Block   BlockKind `json:"block,omitempty"`
	Check   Check     `json:"check,omitempty"`

	RemedyActions        []string `json:"remedy_actions,omitempty"`
	ShowUpgradePrompt    bool     `json:"show_upgrade_prompt"`
	ShowBuyCreditsPrompt bool     `json:"show_buy_credits_prompt"`

	Warnings []string  `json:"warnings,omitempty"`
	Grace    GraceKind `json:"grace,omitempty"`

	// CreditsNeeded is what the ledger debits when the request is applied.
	CreditsNeeded int `json:"credits_needed"`
	// AutoSplitCredits is the cost of splitting an oversized input.
	AutoSplitCredits int `json:"auto_split_credits,omitempty"`
	// NewActiveSet is set when applying the request creates a set.
	NewActiveSet bool `json:"new_active_set"`

	PolicyVersion string `json:"policy_version"`
}

// Outcome wraps a Decision with the health of the decision itself.
type Outcome struct {
	Decision Decision
	// Degraded is set when the decision could not be evaluated normally.
	Degraded bool
	// Err is the internal error behind a degraded outcome.
	Err error
}

func allow() Decision {
	return Decision{Allowed: true, PolicyVersion: GracePolicyVersion}
}

func block(kind BlockKind, check Check, reason string, remedies ...string) Decision {
	return Decision{
		Allowed:       false,
		Reason:        reason,
		Block:         kind,
		Check:         check,
		RemedyActions: remedies,
		PolicyVersion: GracePolicyVersion,
	}
}
