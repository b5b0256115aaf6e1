package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceService owns the eager side of the listing lifecycle: the expiry
// sweep, explicit removal and the purge of removed listings.
type MaintenanceService struct {
	store   ListingStore
	indexer SearchIndexer
	config  config.MaintenanceConfig
	cron    *cron.Cron
	logger  *logger.Logger
}

func NewMaintenanceService(config config.MaintenanceConfig, store ListingStore, indexer SearchIndexer, logger *logger.Logger) *MaintenanceService {
	if indexer == nil {
		indexer = NoopIndexer{}
	}
	return &MaintenanceService{
		store:   store,
		indexer: indexer,
		config:  config,
		logger:  logger,
	}
}

// ExpireStaleListings transitions every active listing whose expiry is at or
// before now to expired and returns how many moved.
func (m *MaintenanceService) ExpireStaleListings(ctx context.Context, now time.Time) (int, error) {
	startTime := time.Now()
	ids, err := m.store.ExpireStale(ctx, now)
	m.logger.LogService("maintenance", "expire_stale_listings", time.Since(startTime), map[string]interface{}{
		"now":     now.Format(time.RFC3339),
		"expired": len(ids),
	}, err)
	if err != nil {
		return 0, err
	}

	if err := m.indexer.DeleteListings(ctx, ids); err != nil {
		m.logger.WithService("maintenance").
			WithField("count", len(ids)).
			WithError(err).
			Warn("Failed to drop expired listings from search index")
	}
	return len(ids), nil
}

func (m *MaintenanceService) RemoveListing(ctx context.Context, id string) (*models.Listing, error) {
	startTime := time.Now()
	listing, err := m.store.Transition(ctx, id, models.StatusRemoved, time.Now())
	m.logger.LogService("maintenance", "remove_listing", time.Since(startTime), map[string]interface{}{
		"listing_id": id,
	}, err)
	if err != nil {
		return nil, err
	}

	if err := m.indexer.DeleteListings(ctx, []string{id}); err != nil {
		m.logger.WithListingID(id).WithError(err).Warn("Failed to drop removed listing from search index")
	}
	return listing, nil
}

// PurgeRemovedListings physically deletes listings removed more than
// olderThan ago. It returns the count and the cutoff used.
func (m *MaintenanceService) PurgeRemovedListings(ctx context.Context, olderThan time.Duration) (int, time.Time, error) {
	startTime := time.Now()
	cutoff := time.Now().Add(-olderThan)
	n, err := m.store.PurgeRemoved(ctx, cutoff)
	m.logger.LogService("maintenance", "purge_removed_listings", time.Since(startTime), map[string]interface{}{
		"cutoff": cutoff.Format(time.RFC3339),
		"purged": n,
	}, err)
	return n, cutoff, err
}

// PurgeAfter is the configured retention for removed listings.
func (m *MaintenanceService) PurgeAfter() time.Duration {
	if m.config.PurgeAfter <= 0 {
		return 30 * 24 * time.Hour
	}
	return m.config.PurgeAfter
}

// Start schedules the sweep and the purge. It is a no-op when maintenance
// is disabled.
func (m *MaintenanceService) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Maintenance scheduler disabled")
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.config.SweepSpec, m.runSweep); err != nil {
		return models.NewValidationError("INVALID_SCHEDULE", "Invalid sweep schedule", err.Error())
	}
	if _, err := c.AddFunc(m.config.PurgeSpec, m.runPurge); err != nil {
		return models.NewValidationError("INVALID_SCHEDULE", "Invalid purge schedule", err.Error())
	}
	c.Start()
	m.cron = c

	m.logger.WithFields(logger.Fields{
		"sweep_spec": m.config.SweepSpec,
		"purge_spec": m.config.PurgeSpec,
	}).Info("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running job or ctx.
func (m *MaintenanceService) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		m.logger.Warn("Maintenance job still running at shutdown")
	}
}

func (m *MaintenanceService) runSweep() {
	ctx, cancel := m.jobContext()
	defer cancel()
	if _, err := m.ExpireStaleListings(ctx, time.Now()); err != nil {
		m.logger.WithError(err).Warn("Scheduled expiry sweep failed")
	}
}

func (m *MaintenanceService) runPurge() {
	ctx, cancel := m.jobContext()
	defer cancel()
	if _, _, err := m.PurgeRemovedListings(ctx, m.PurgeAfter()); err != nil {
		m.logger.WithError(err).Warn("Scheduled purge failed")
	}
}

func (m *MaintenanceService) jobContext() (context.Context, context.CancelFunc) {
	budget := m.config.SweepBudget
	if budget <= 0 {
		budget = 2 * time.Minute
	}
	return context.WithTimeout(context.Background(), budget)
}
