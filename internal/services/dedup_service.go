package services

import (
	"crypto/sha256"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NormalizeTitle lowercases a title and keeps only letters and digits.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IdentityFor derives the dedup identity of a product. The key is the
// platform product id when the URL carries one and the canonical domain
// otherwise. A synthesized title says nothing about the product, so then the
// canonical URL itself is the key.
func IdentityFor(title string, synthesized bool, info PlatformInfo, canonicalURL string) models.ProductIdentity {
	normalized := NormalizeTitle(title)

	var key string
	switch {
	case synthesized:
		key = "url:" + canonicalURL
	case info.ProductID != "":
		key = info.Platform + ":" + info.ProductID
	case info.Domain != "":
		key = "domain:" + info.Domain
	default:
		key = "url:" + canonicalURL
	}

	sum := sha256.Sum256([]byte(normalized + "|" + key))
	return models.ProductIdentity{
		Hash:            hex.EncodeToString(sum[:]),
		NormalizedTitle: normalized,
		Key:             key,
	}
}

// MergeCandidate is one normalized observation of a URL: the display fields it
// would give the listing and the source it contributes.
type MergeCandidate struct {
	Identity models.ProductIdentity
	Listing  models.Listing
	Source   models.ListingSource
}

type MergeResult struct {
	Group   *models.ListingGroup
	Source  models.ListingSource
	Outcome models.ProcessOutcome
	// Primary is true when the candidate's source drives the listing after
	// the merge.
	Primary bool
	// DisplayRefreshed is true when the listing's display fields changed.
	DisplayRefreshed bool
}

// Deduplicator folds observations of the same product into one listing and
// keeps exactly one primary source per listing.
type Deduplicator struct {
	logger *logger.Logger
}

func NewDeduplicator(logger *logger.Logger) *Deduplicator {
	return &Deduplicator{logger: logger}
}

// Merge folds c into existing, which must be the active group for c's
// identity or nil. existing is not modified.
func (d *Deduplicator) Merge(existing *models.ListingGroup, c MergeCandidate, now time.Time) MergeResult {
	if existing == nil {
		return d.create(c, now)
	}

	group := cloneGroup(existing)
	previous := group.Primary()
	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}

	incoming := c.Source
	outcome := models.OutcomeMerged
	idx := -1
	for i := range group.Sources {
		if group.Sources[i].SameSource(incoming) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		outcome = models.OutcomeRefreshed
		group.Sources[idx] = refreshSource(group.Sources[idx], incoming, now)
	} else {
		incoming.ID = uuid.New().String()
		incoming.ListingID = group.Listing.ID
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		group.Sources = append(group.Sources, incoming)
		idx = len(group.Sources) - 1
	}
	sourceID := group.Sources[idx].ID

	winner := ElectPrimary(group.Sources)
	for i := range group.Sources {
		group.Sources[i].IsPrimary = i == winner
	}
	winnerSource := group.Sources[winner]

	l := &group.Listing
	l.Pages = unionPages(l.Pages, c.Listing.Pages)
	l.ExpiresAt = laterExpiry(l.ExpiresAt, c.Listing.ExpiresAt)
	l.IsFeatured = l.IsFeatured || c.Listing.IsFeatured
	l.UpdatedAt = now

	refreshed := false
	switch {
	case winnerSource.ID == sourceID:
		applyDisplay(l, c.Listing)
		refreshed = true
	case winnerSource.ID != previousID:
		applySnapshot(l, winnerSource)
		refreshed = true
	}

	d.logger.WithFields(logger.Fields{
		"service":         "deduplicator",
		"listing_id":      l.ID,
		"identity_hash":   l.IdentityHash,
		"outcome":         string(outcome),
		"sources":         len(group.Sources),
		"primary_network": winnerSource.NetworkID,
		"primary_changed": winnerSource.ID != previousID,
	}).Debug("Merged observation into listing")

	return MergeResult{
		Group:            group,
		Source:           group.Sources[idx],
		Outcome:          outcome,
		Primary:          winnerSource.ID == sourceID,
		DisplayRefreshed: refreshed,
	}
}

func (d *Deduplicator) create(c MergeCandidate, now time.Time) MergeResult {
	listing := c.Listing
	if listing.ID == "" {
		listing.ID = uuid.New().String()
	}
	listing.IdentityHash = c.Identity.Hash
	listing.ProcessingStatus = models.StatusActive
	listing.Pages = unionPages(nil, listing.Pages)
	listing.CreatedAt = now
	listing.UpdatedAt = now

	source := c.Source
	source.ID = uuid.New().String()
	source.ListingID = listing.ID
	source.IsPrimary = true
	source.CreatedAt = now
	source.UpdatedAt = now

	return MergeResult{
		Group: &models.ListingGroup{
			Listing: listing,
			Sources: []models.ListingSource{source},
		},
		Source:           source,
		Outcome:          models.OutcomeCreated,
		Primary:          true,
		DisplayRefreshed: true,
	}
}

// ElectPrimary returns the index of the source that should be primary:
// highest commission rate, then network priority, then earliest creation,
// then lowest id.
func ElectPrimary(sources []models.ListingSource) int {
	if len(sources) == 0 {
		return -1
	}
	order := make([]int, len(sources))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := sources[order[i]], sources[order[j]]
		if a.CommissionRate != b.CommissionRate {
			return a.CommissionRate > b.CommissionRate
		}
		if a.NetworkPriority != b.NetworkPriority {
			return a.NetworkPriority > b.NetworkPriority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return order[0]
}

// RepairPrimary re-elects the primary of a group whose flags are not exactly
// one, and refreshes the listing from the elected source. It reports whether
// anything changed.
func RepairPrimary(group *models.ListingGroup) bool {
	if len(group.Sources) == 0 || group.PrimaryCount() == 1 {
		return false
	}
	winner := ElectPrimary(group.Sources)
	for i := range group.Sources {
		group.Sources[i].IsPrimary = i == winner
	}
	applySnapshot(&group.Listing, group.Sources[winner])
	return true
}

func refreshSource(existing, incoming models.ListingSource, now time.Time) models.ListingSource {
	existing.ObservationID = incoming.ObservationID
	existing.AffiliateURL = incoming.AffiliateURL
	existing.Platform = incoming.Platform
	existing.CommissionRate = incoming.CommissionRate
	existing.NetworkPriority = incoming.NetworkPriority
	existing.Title = incoming.Title
	existing.Price = incoming.Price
	existing.OriginalPrice = incoming.OriginalPrice
	existing.Discount = incoming.Discount
	existing.Currency = incoming.Currency
	if incoming.ImageURL != "" {
		existing.ImageURL = incoming.ImageURL
	}
	existing.Available = incoming.Available
	existing.UpdatedAt = now
	return existing
}

// applyDisplay copies the display fields of a freshly normalized listing.
func applyDisplay(l *models.Listing, fresh models.Listing) {
	l.Title = fresh.Title
	if fresh.Description != "" {
		l.Description = fresh.Description
	}
	l.Price = fresh.Price
	l.OriginalPrice = fresh.OriginalPrice
	l.Discount = fresh.Discount
	l.Currency = fresh.Currency
	if fresh.ImageURL != "" {
		l.ImageURL = fresh.ImageURL
	}
	l.AffiliateURL = fresh.AffiliateURL
	l.Category = fresh.Category
	if fresh.Rating != nil {
		l.Rating = fresh.Rating
	}
	if fresh.ReviewCount != nil {
		l.ReviewCount = fresh.ReviewCount
	}
	l.QualityScore = fresh.QualityScore
	l.QualityGrade = fresh.QualityGrade
	l.SourceChannelID = fresh.SourceChannelID
}

// applySnapshot refreshes a listing from a stored source when a re-election
// promotes a source other than the incoming one.
func applySnapshot(l *models.Listing, s models.ListingSource) {
	if s.Title != "" {
		l.Title = s.Title
	}
	l.Price = s.Price
	l.OriginalPrice = s.OriginalPrice
	l.Discount = s.Discount
	if s.Currency != "" {
		l.Currency = s.Currency
	}
	if s.ImageURL != "" {
		l.ImageURL = s.ImageURL
	}
	l.AffiliateURL = s.AffiliateURL
}

func cloneGroup(g *models.ListingGroup) *models.ListingGroup {
	out := &models.ListingGroup{Listing: g.Listing}
	out.Listing.Pages = append([]string(nil), g.Listing.Pages...)
	out.Sources = append([]models.ListingSource(nil), g.Sources...)
	return out
}

func unionPages(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, p := range list {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// laterExpiry keeps the later of two expiries. nil means never and wins.
func laterExpiry(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if b.After(*a) {
		t := *b
		return &t
	}
	t := *a
	return &t
}
