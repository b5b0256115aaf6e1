package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

// SearchIndexer mirrors visible listings into a search engine. Index failures
// never fail the pipeline; the store stays the source of truth.
type SearchIndexer interface {
	IndexListing(ctx context.Context, listing models.Listing) error
	DeleteListings(ctx context.Context, ids []string) error
	Healthy() bool
}

// NoopIndexer is used when no search engine is configured.
type NoopIndexer struct{}

func (NoopIndexer) IndexListing(context.Context, models.Listing) error { return nil }
func (NoopIndexer) DeleteListings(context.Context, []string) error     { return nil }
func (NoopIndexer) Healthy() bool                                      { return true }

type MeiliIndexer struct {
	client  meilisearch.ServiceManager
	index   meilisearch.IndexManager
	timeout time.Duration
	logger  *logger.Logger
}

// NewSearchIndexer returns a Meilisearch indexer, or NoopIndexer when
// config.URL is empty.
func NewSearchIndexer(config config.SearchConfig, logger *logger.Logger) (SearchIndexer, error) {
	if config.URL == "" {
		return NoopIndexer{}, nil
	}

	client := meilisearch.New(config.URL, meilisearch.WithAPIKey(config.APIKey))
	if _, err := client.CreateIndex(&meilisearch.IndexConfig{Uid: config.Index, PrimaryKey: "id"}); err != nil {
		return nil, models.WrapExternalError("SEARCH", err)
	}
	index := client.Index(config.Index)

	filterable := []interface{}{"category", "display_pages", "content_type"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.WithFields(map[string]interface{}{
			"index": config.Index,
			"error": err.Error(),
		}).Warn("Failed to update filterable attributes")
	}
	searchable := []string{"title", "description", "category"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.WithFields(map[string]interface{}{
			"index": config.Index,
			"error": err.Error(),
		}).Warn("Failed to update searchable attributes")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MeiliIndexer{client: client, index: index, timeout: timeout, logger: logger}, nil
}

func (m *MeiliIndexer) IndexListing(ctx context.Context, listing models.Listing) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	startTime := time.Now()

	doc := map[string]interface{}{
		"id":            listing.ID,
		"title":         listing.Title,
		"description":   listing.Description,
		"category":      listing.Category,
		"content_type":  string(listing.ContentType),
		"display_pages": listing.Pages,
		"price":         listing.Price,
		"currency":      listing.Currency,
		"discount":      listing.Discount,
		"image_url":     listing.ImageURL,
		"affiliate_url": listing.AffiliateURL,
		"is_featured":   listing.IsFeatured,
		"created_at":    listing.CreatedAt.Unix(),
	}
	primaryKey := "id"
	_, err := m.index.AddDocumentsWithContext(ctx, []map[string]interface{}{doc}, &primaryKey)

	m.logger.LogService("search", "index_listing", time.Since(startTime), map[string]interface{}{
		"listing_id": listing.ID,
	}, err)
	if err != nil {
		return models.WrapExternalError("SEARCH", err)
	}
	return nil
}

func (m *MeiliIndexer) DeleteListings(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	startTime := time.Now()

	_, err := m.index.DeleteDocumentsWithContext(ctx, ids)

	m.logger.LogService("search", "delete_listings", time.Since(startTime), map[string]interface{}{
		"count": len(ids),
	}, err)
	if err != nil {
		return models.WrapExternalError("SEARCH", err)
	}
	return nil
}

func (m *MeiliIndexer) Healthy() bool {
	return m.client.IsHealthy()
}
