package models

// ExtractionFailure is a typed reason an extraction stage came up short.
// Failures are recorded on the result; they never abort the pipeline.
type ExtractionFailure string

const (
	FailureNetworkError    ExtractionFailure = "network_error"
	FailureNoSelectorMatch ExtractionFailure = "no_selector_match"
	FailureInvalidPrice    ExtractionFailure = "invalid_price"
)

// ExtractionStage names the layer of the fallback chain that produced a field.
type ExtractionStage string

const (
	StagePlatformSelector ExtractionStage = "platform_selector"
	StageGenericSelector  ExtractionStage = "generic_selector"
	StageMetadata         ExtractionStage = "metadata"
	StageText             ExtractionStage = "text"
	StageDerived          ExtractionStage = "derived"
	StageSynthesized      ExtractionStage = "synthesized"
)

// ExtractionResult is the transient output of the content extractor.
type ExtractionResult struct {
	Title            string                     `json:"title"`
	TitleSynthesized bool                       `json:"title_synthesized"`
	Description      string                     `json:"description,omitempty"`
	Price            *float64                   `json:"price,omitempty"`
	OriginalPrice    *float64                   `json:"original_price,omitempty"`
	Currency         string                     `json:"currency"`
	Discount         *int                       `json:"discount,omitempty"`
	ImageURL         string                     `json:"image_url,omitempty"`
	Rating           *float64                   `json:"rating,omitempty"`
	ReviewCount      *int                       `json:"review_count,omitempty"`
	Category         string                     `json:"category"`
	ProductID        string                     `json:"product_id,omitempty"`
	PriceConflict    bool                       `json:"price_conflict"`
	Degraded         bool                       `json:"degraded"`
	Stages           map[string]ExtractionStage `json:"stages,omitempty"`
	Failures         []ExtractionFailure        `json:"failures,omitempty"`
}

func (r *ExtractionResult) SetStage(field string, stage ExtractionStage) {
	if r.Stages == nil {
		r.Stages = make(map[string]ExtractionStage)
	}
	r.Stages[field] = stage
}

func (r *ExtractionResult) AddFailure(f ExtractionFailure) {
	for _, existing := range r.Failures {
		if existing == f {
			return
		}
	}
	r.Failures = append(r.Failures, f)
}

func (r *ExtractionResult) HasFailure(f ExtractionFailure) bool {
	for _, existing := range r.Failures {
		if existing == f {
			return true
		}
	}
	return false
}
