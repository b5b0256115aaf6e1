package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"sort"
	"sync"
	"time"
)

// ListingStore is the persistence contract of the pipeline. Every method that
// takes now evaluates expiry with models.IsVisibleAt / models.IsExpiredAt so
// the lazy read path and the eager sweep always agree.
type ListingStore interface {
	SaveObservation(ctx context.Context, obs models.RawObservation) error
	GetObservation(ctx context.Context, id string) (models.RawObservation, error)

	// FindActiveByIdentity returns the visible listing group for an identity,
	// or nil when none is visible at now.
	FindActiveByIdentity(ctx context.Context, identityHash string, now time.Time) (*models.ListingGroup, error)
	// SaveGroup writes a listing and all of its sources in one transaction.
	// Any other active listing with the same identity is expired in the same
	// transaction; their ids are returned.
	SaveGroup(ctx context.Context, group *models.ListingGroup, now time.Time) ([]string, error)
	GetListing(ctx context.Context, id string) (*models.ListingGroup, error)

	ListVisible(ctx context.Context, q models.ListingQuery, now time.Time) ([]models.Listing, error)
	ListCategories(ctx context.Context, page string, now time.Time) ([]models.CategoryCount, error)

	// ExpireStale moves every listing with IsExpiredAt(now) to expired and
	// drops its page and category associations.
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
	// Transition applies a state change and the matching association cleanup.
	Transition(ctx context.Context, id string, to models.ProcessingStatus, now time.Time) (*models.Listing, error)
	// PurgeRemoved physically deletes listings removed before cutoff.
	PurgeRemoved(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// MemoryStore keeps everything in process. It is the default store for
// development and the stand-in for Postgres in tests.
type MemoryStore struct {
	mu           sync.RWMutex
	observations map[string]models.RawObservation
	groups       map[string]*models.ListingGroup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observations: make(map[string]models.RawObservation),
		groups:       make(map[string]*models.ListingGroup),
	}
}

func (s *MemoryStore) SaveObservation(ctx context.Context, obs models.RawObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.observations[obs.ID]; exists {
		return models.NewConflictError("OBSERVATION_EXISTS", "Observation already stored").WithMetadata("id", obs.ID)
	}
	obs.EmbeddedURLs = append([]string(nil), obs.EmbeddedURLs...)
	s.observations[obs.ID] = obs
	return nil
}

func (s *MemoryStore) GetObservation(ctx context.Context, id string) (models.RawObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.observations[id]
	if !ok {
		return models.RawObservation{}, models.NotFound(models.ErrObservationNotFound, id)
	}
	obs.EmbeddedURLs = append([]string(nil), obs.EmbeddedURLs...)
	return obs, nil
}

func (s *MemoryStore) FindActiveByIdentity(ctx context.Context, identityHash string, now time.Time) (*models.ListingGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.Listing.IdentityHash == identityHash && g.Listing.IsVisibleAt(now) {
			return cloneGroup(g), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SaveGroup(ctx context.Context, group *models.ListingGroup, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.WrapTimeoutError("save_group", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.groups[group.Listing.ID]; ok {
		if current.Listing.ProcessingStatus != group.Listing.ProcessingStatus &&
			!models.IsTransitionAllowed(current.Listing.ProcessingStatus, group.Listing.ProcessingStatus) {
			return nil, models.InvalidTransition(current.Listing.ProcessingStatus, group.Listing.ProcessingStatus)
		}
	}

	var expired []string
	if group.Listing.ProcessingStatus == models.StatusActive {
		for id, g := range s.groups {
			if id == group.Listing.ID || g.Listing.IdentityHash != group.Listing.IdentityHash {
				continue
			}
			if g.Listing.ProcessingStatus == models.StatusActive {
				g.Listing.ProcessingStatus = models.StatusExpired
				g.Listing.Pages = nil
				g.Listing.UpdatedAt = now
				expired = append(expired, id)
			}
		}
	}

	s.groups[group.Listing.ID] = cloneGroup(group)
	sort.Strings(expired)
	return expired, nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (*models.ListingGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, models.NotFound(models.ErrListingNotFound, id)
	}
	return cloneGroup(g), nil
}

func (s *MemoryStore) ListVisible(ctx context.Context, q models.ListingQuery, now time.Time) ([]models.Listing, error) {
	s.mu.RLock()
	var out []models.Listing
	for _, g := range s.groups {
		if matchesQuery(g.Listing, q, now) {
			l := g.Listing
			l.Pages = append([]string(nil), l.Pages...)
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return paginate(out, q.Offset, q.Limit), nil
}

func (s *MemoryStore) ListCategories(ctx context.Context, page string, now time.Time) ([]models.CategoryCount, error) {
	s.mu.RLock()
	counts := make(map[string]int)
	for _, g := range s.groups {
		if matchesQuery(g.Listing, models.ListingQuery{Page: page}, now) {
			counts[g.Listing.Category]++
		}
	}
	s.mu.RUnlock()

	out := make([]models.CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, models.CategoryCount{Category: c, Count: n})
	}
	sortCategoryCounts(out)
	return out, nil
}

func (s *MemoryStore) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, g := range s.groups {
		if g.Listing.IsExpiredAt(now) {
			g.Listing.ProcessingStatus = models.StatusExpired
			g.Listing.Pages = nil
			g.Listing.UpdatedAt = now
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to models.ProcessingStatus, now time.Time) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, models.NotFound(models.ErrListingNotFound, id)
	}
	from := g.Listing.ProcessingStatus
	if !models.IsTransitionAllowed(from, to) {
		return nil, models.InvalidTransition(from, to)
	}
	g.Listing.ProcessingStatus = to
	g.Listing.Pages = nil
	g.Listing.UpdatedAt = now

	l := g.Listing
	return &l, nil
}

func (s *MemoryStore) PurgeRemoved(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, g := range s.groups {
		if g.Listing.ProcessingStatus == models.StatusRemoved && g.Listing.UpdatedAt.Before(cutoff) {
			delete(s.groups, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() {}

func matchesQuery(l models.Listing, q models.ListingQuery, now time.Time) bool {
	if !l.IsVisibleAt(now) {
		return false
	}
	if q.Page != "" && !l.OnPage(q.Page) {
		return false
	}
	if q.Category != "" && l.Category != q.Category {
		return false
	}
	if q.ContentType != "" && l.ContentType != q.ContentType {
		return false
	}
	return true
}

func sortNewestFirst(listings []models.Listing) {
	sort.Slice(listings, func(i, j int) bool {
		if !listings[i].CreatedAt.Equal(listings[j].CreatedAt) {
			return listings[i].CreatedAt.After(listings[j].CreatedAt)
		}
		return listings[i].ID < listings[j].ID
	})
}

func sortCategoryCounts(counts []models.CategoryCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Category < counts[j].Category
	})
}

func paginate(listings []models.Listing, offset, limit int) []models.Listing {
	if offset > 0 {
		if offset >= len(listings) {
			return []models.Listing{}
		}
		listings = listings[offset:]
	}
	if limit > 0 && limit < len(listings) {
		listings = listings[:limit]
	}
	return listings
}
