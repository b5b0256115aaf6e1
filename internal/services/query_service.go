package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// QueryService is the serving read path. It evaluates visibility at the
// current time with the same predicate the sweep uses, so listings past their
// expiry disappear before the sweep catches up.
type QueryService struct {
	store  ListingStore
	now    func() time.Time
	logger *logger.Logger
}

func NewQueryService(store ListingStore, logger *logger.Logger) *QueryService {
	return &QueryService{store: store, now: time.Now, logger: logger}
}

func (q *QueryService) ListListings(ctx context.Context, query models.ListingQuery) ([]models.Listing, error) {
	startTime := time.Now()
	if query.Limit <= 0 {
		query.Limit = defaultPageSize
	}
	if query.Limit > maxPageSize {
		query.Limit = maxPageSize
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	listings, err := q.store.ListVisible(ctx, query, q.now())
	q.logger.LogService("query", "list_listings", time.Since(startTime), map[string]interface{}{
		"page":         query.Page,
		"category":     query.Category,
		"content_type": string(query.ContentType),
		"count":        len(listings),
	}, err)
	if err != nil {
		return nil, err
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	return listings, nil
}

func (q *QueryService) ListCategories(ctx context.Context, page string) ([]models.CategoryCount, error) {
	counts, err := q.store.ListCategories(ctx, page, q.now())
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// GetListing returns a listing with its sources regardless of status.
func (q *QueryService) GetListing(ctx context.Context, id string) (*models.ListingGroup, error) {
	return q.store.GetListing(ctx, id)
}
