package models

type ProcessOutcome string

const (
	OutcomeCreated   ProcessOutcome = "created"
	OutcomeMerged    ProcessOutcome = "merged"
	OutcomeRefreshed ProcessOutcome = "refreshed"
	OutcomeSkipped   ProcessOutcome = "skipped"
	OutcomeFailed    ProcessOutcome = "failed"
)

// ProcessResult reports what happened to every URL of one observation.
type ProcessResult struct {
	ObservationID string        `json:"observation_id"`
	Items         []ProcessItem `json:"items"`
	DurationMs    int64         `json:"duration_ms"`
}

type ProcessItem struct {
	URL            string              `json:"url"`
	ResolvedURL    string              `json:"resolved_url"`
	Platform       string              `json:"platform"`
	Category       string              `json:"category,omitempty"`
	NetworkID      string              `json:"network_id,omitempty"`
	Outcome        ProcessOutcome      `json:"outcome"`
	ListingID      string              `json:"listing_id,omitempty"`
	SourceID       string              `json:"source_id,omitempty"`
	Primary        bool                `json:"primary"`
	Grade          string              `json:"grade,omitempty"`
	Score          int                 `json:"score"`
	Failures       []ExtractionFailure `json:"failures,omitempty"`
	RedirectFailed bool                `json:"redirect_failed"`
	Reason         string              `json:"reason,omitempty"`
}

// Persisted reports whether at least one item reached the store.
func (r ProcessResult) Persisted() bool {
	for _, it := range r.Items {
		switch it.Outcome {
		case OutcomeCreated, OutcomeMerged, OutcomeRefreshed:
			return true
		}
	}
	return false
}
