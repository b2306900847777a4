package creditgate

// Action distinguishes the two request families.
type Action string

const (
	ActionGeneration Action = "generation"
	ActionExport     Action = "export"
)

// GenerationRequest describes one content-generation attempt.
type GenerationRequest struct {
	SourceCharCount int `json:"source_char_count"`

	// PDFPageCount is set only for PDF sources.
	PDFPageCount *int `json:"pdf_page_count,omitempty"`

	// MediaDurationMinutes is set only for external media sources.
	MediaDurationMinutes *int `json:"media_duration_minutes,omitempty"`

	// IsRecreateOfFailedAttempt marks a free retry of a failed generation.
	// It costs no credit and creates no new set.
	IsRecreateOfFailedAttempt bool `json:"is_recreate_of_failed_attempt"`
}

// Validate rejects malformed requests.
func (r GenerationRequest) Validate() error {
	if r.SourceCharCount < 0 {
		return &ValidationError{Field: "source_char_count", Reason: "must not be negative"}
	}
	if r.PDFPageCount != nil && *r.PDFPageCount < 0 {
		return &ValidationError{Field: "pdf_page_count", Reason: "must not be negative"}
	}
	if r.MediaDurationMinutes != nil && *r.MediaDurationMinutes < 0 {
		return &ValidationError{Field: "media_duration_minutes", Reason: "must not be negative"}
	}
	return nil
}

// CreditsNeeded is what a passing generation debits.
func (r GenerationRequest) CreditsNeeded() int {
	if r.IsRecreateOfFailedAttempt {
		return 0
	}
	return 1
}

// ExportRequest consumes one export unit.
type ExportRequest struct {
	// Format is informational (logs, records).
	Format string `json:"format,omitempty"`
}

// Validate rejects malformed requests.
func (r ExportRequest) Validate() error {
	return nil
}

// Pages returns a pointer to n.
func Pages(n int) *int { return &n }

// Minutes returns a pointer to n.
func Minutes(n int) *int { return &n }
