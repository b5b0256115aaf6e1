package services

import (
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
	GradeD = "D"

	fixFallbackImage = "fallback_image"
	fixPriceRounding = "price_rounding"
	fixPlaceholder   = "placeholder_title"
)

// NormalizeInput carries everything known about one URL of an observation
// after extraction and network selection.
type NormalizeInput struct {
	Observation  models.RawObservation
	CanonicalURL string
	Platform     PlatformInfo
	Extraction   *models.ExtractionResult
	Selection    models.NetworkSelection
}

type Normalized struct {
	Candidate MergeCandidate
	Score     int
	Grade     string
	Skip      bool
	Fixes     []string
}

// Normalizer scores an extraction, applies the fixes allowed for its grade
// and builds the listing candidate handed to the deduplicator.
type Normalizer struct {
	registry *AffiliateRegistry
	config   config.PipelineConfig
	logger   *logger.Logger
}

func NewNormalizer(config config.PipelineConfig, registry *AffiliateRegistry, logger *logger.Logger) *Normalizer {
	return &Normalizer{registry: registry, config: config, logger: logger}
}

// Score returns the 0-100 quality score of an extraction paired with its
// affiliate URL.
func (n *Normalizer) Score(ext *models.ExtractionResult, affiliateURL string) int {
	score := 0

	switch {
	case ext.TitleSynthesized || ext.Title == "":
	case utf8.RuneCountInString(ext.Title) >= 10:
		score += 30
	default:
		score += 15
	}

	switch {
	case ext.Price == nil || *ext.Price <= 0:
	case ext.PriceConflict:
		score += 15
	default:
		score += 30
	}

	if ext.ImageURL != "" {
		score += 20
	}
	if absoluteHTTP(affiliateURL) {
		score += 20
	}
	return score
}

func (n *Normalizer) Grade(score int) string {
	switch {
	case score >= n.config.GradeA:
		return GradeA
	case score >= n.config.GradeB:
		return GradeB
	case score >= n.config.GradeC:
		return GradeC
	default:
		return GradeD
	}
}

// Normalize grades the input. Grade D is skipped before anything is built.
func (n *Normalizer) Normalize(in NormalizeInput) Normalized {
	ext := in.Extraction
	score := n.Score(ext, in.Selection.AffiliateURL)
	out := Normalized{Score: score, Grade: n.Grade(score)}
	if out.Grade == GradeD {
		out.Skip = true
		n.logger.WithFields(logger.Fields{
			"service":        "normalizer",
			"observation_id": in.Observation.ID,
			"url":            in.CanonicalURL,
			"score":          score,
		}).Debug("Skipping listing below quality threshold")
		return out
	}

	obs := in.Observation
	page, _ := n.registry.Page(obs.DestinationPage)
	seenAt := obs.ArrivedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	price := ext.Price
	original := ext.OriginalPrice
	imageURL := ext.ImageURL
	if out.Grade != GradeA {
		if imageURL == "" {
			if fb := n.registry.Fallback(ext.Category).ImageURL; fb != "" {
				imageURL = fb
				out.Fixes = append(out.Fixes, fixFallbackImage)
			}
		}
		var rounded bool
		price, rounded = roundPrice(price)
		var roundedOriginal bool
		original, roundedOriginal = roundPrice(original)
		if rounded || roundedOriginal {
			out.Fixes = append(out.Fixes, fixPriceRounding)
		}
		if ext.TitleSynthesized {
			out.Fixes = append(out.Fixes, fixPlaceholder)
		}
	}

	identity := IdentityFor(ext.Title, ext.TitleSynthesized, in.Platform, in.CanonicalURL)
	listing := models.Listing{
		IdentityHash:     identity.Hash,
		Title:            ext.Title,
		Description:      ext.Description,
		Price:            price,
		OriginalPrice:    original,
		Currency:         ext.Currency,
		Discount:         ext.Discount,
		ImageURL:         imageURL,
		AffiliateURL:     in.Selection.AffiliateURL,
		Category:         ext.Category,
		Rating:           ext.Rating,
		ReviewCount:      ext.ReviewCount,
		IsFeatured:       page.Featured,
		ContentType:      page.ContentType,
		Pages:            []string{obs.DestinationPage},
		ProcessingStatus: models.StatusActive,
		QualityScore:     score,
		QualityGrade:     out.Grade,
		SourceChannelID:  obs.SourceChannelID,
		ExpiresAt:        n.registry.ExpiryFor(obs.DestinationPage, seenAt, n.config.DefaultTTL),
	}
	if listing.ContentType == "" {
		listing.ContentType = models.ContentTypeProduct
	}

	source := models.ListingSource{
		ObservationID:   obs.ID,
		SourceURL:       in.CanonicalURL,
		AffiliateURL:    in.Selection.AffiliateURL,
		NetworkID:       in.Selection.Network.ID,
		Platform:        in.Platform.Platform,
		CommissionRate:  in.Selection.Rate,
		NetworkPriority: in.Selection.Priority,
		Title:           ext.Title,
		Price:           price,
		OriginalPrice:   original,
		Discount:        ext.Discount,
		Currency:        ext.Currency,
		ImageURL:        imageURL,
		Available:       price != nil,
	}

	out.Candidate = MergeCandidate{Identity: identity, Listing: listing, Source: source}
	return out
}

// roundPrice rounds to two decimals and reports whether the value changed.
func roundPrice(p *float64) (*float64, bool) {
	if p == nil {
		return nil, false
	}
	d := decimal.NewFromFloat(*p)
	rounded := d.Round(2)
	f := rounded.InexactFloat64()
	return &f, !rounded.Equal(d)
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
