package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var messageURLRe = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// Pipeline drives one observation through detection, resolution, extraction,
// network selection, grading and the identity-locked merge.
type Pipeline struct {
	store      ListingStore
	queue      ObservationQueue
	locker     IdentityLocker
	indexer    SearchIndexer
	registry   *AffiliateRegistry
	resolver   *RedirectResolver
	extractor  *ContentExtractor
	optimizer  *CommissionOptimizer
	normalizer *Normalizer
	dedup      *Deduplicator
	config     config.PipelineConfig
	logger     *logger.Logger

	activeObservations sync.Map
	workers            sync.WaitGroup
	stats              pipelineStats
	startTime          time.Time
	now                func() time.Time
}

type pipelineStats struct {
	received          atomic.Int64
	created           atomic.Int64
	merged            atomic.Int64
	refreshed         atomic.Int64
	skippedNoURLs     atomic.Int64
	skippedGrade      atomic.Int64
	skippedNoNetwork  atomic.Int64
	failed            atomic.Int64
	redirectFallbacks atomic.Int64

	mu                 sync.Mutex
	extractionFailures map[models.ExtractionFailure]int64
	grades             map[string]int64
}

func NewPipeline(
	store ListingStore,
	queue ObservationQueue,
	locker IdentityLocker,
	indexer SearchIndexer,
	registry *AffiliateRegistry,
	resolver *RedirectResolver,
	extractor *ContentExtractor,
	config config.PipelineConfig,
	logger *logger.Logger) *Pipeline {

	if indexer == nil {
		indexer = NoopIndexer{}
	}

	pipeline := &Pipeline{
		store:      store,
		queue:      queue,
		locker:     locker,
		indexer:    indexer,
		registry:   registry,
		resolver:   resolver,
		extractor:  extractor,
		optimizer:  NewCommissionOptimizer(registry, logger),
		normalizer: NewNormalizer(config, registry, logger),
		dedup:      NewDeduplicator(logger),
		config:     config,
		logger:     logger,
		startTime:  time.Now(),
		now:        time.Now,
	}
	pipeline.stats.extractionFailures = make(map[models.ExtractionFailure]int64)
	pipeline.stats.grades = make(map[string]int64)

	logger.WithFields(map[string]interface{}{
		"workers":      config.Workers,
		"queue_driver": config.QueueDriver,
		"store_driver": config.StoreDriver,
		"lock_driver":  config.LockDriver,
		"networks":     len(registry.Networks()),
	}).Info("Deal pipeline initialized")

	return pipeline
}

// NewRawObservation builds an observation from an inbound submission. When
// no URLs were attached, links found in the message text are used.
func NewRawObservation(sourceChannelID, destinationPage, rawText string, embeddedURLs []string, arrivedAt *time.Time) models.RawObservation {
	urls := embeddedURLs
	if len(urls) == 0 {
		urls = ExtractURLs(rawText)
	}

	seen := make(map[string]bool, len(urls))
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		clean = append(clean, u)
	}

	obs := models.RawObservation{
		ID:              uuid.New().String(),
		SourceChannelID: strings.TrimSpace(sourceChannelID),
		DestinationPage: strings.TrimSpace(destinationPage),
		RawText:         rawText,
		EmbeddedURLs:    clean,
		ArrivedAt:       time.Now().UTC(),
	}
	if arrivedAt != nil && !arrivedAt.IsZero() {
		obs.ArrivedAt = arrivedAt.UTC()
	}
	return obs
}

// ExtractURLs returns the http(s) links in a message, without trailing
// punctuation.
func ExtractURLs(text string) []string {
	matches := messageURLRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?*_~")
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Submit stores the observation and queues it for the workers.
func (p *Pipeline) Submit(ctx context.Context, obs models.RawObservation) error {
	if err := p.store.SaveObservation(ctx, obs); err != nil {
		return err
	}
	p.stats.received.Add(1)
	return p.queue.Enqueue(ctx, obs)
}

// SubmitSync stores the observation and processes it inline.
func (p *Pipeline) SubmitSync(ctx context.Context, obs models.RawObservation) (*models.ProcessResult, error) {
	if err := p.store.SaveObservation(ctx, obs); err != nil {
		return nil, err
	}
	p.stats.received.Add(1)
	return p.Process(ctx, obs)
}

// Replay queues a stored observation again.
func (p *Pipeline) Replay(ctx context.Context, observationID string) (models.RawObservation, error) {
	obs, err := p.store.GetObservation(ctx, observationID)
	if err != nil {
		return obs, err
	}
	p.logger.WithObservationID(obs.ID).Info("Replaying observation")
	return obs, p.queue.Enqueue(ctx, obs)
}

// ProcessBatch stores and processes observations concurrently, bounded by
// BatchConcurrency. Results are in input order; one failing observation does
// not stop the others.
func (p *Pipeline) ProcessBatch(ctx context.Context, observations []models.RawObservation) ([]models.ProcessResult, error) {
	if p.config.BatchLimit > 0 && len(observations) > p.config.BatchLimit {
		return nil, models.NewValidationError("BATCH_TOO_LARGE", "Too many observations in batch",
			fmt.Sprintf("got %d, limit %d", len(observations), p.config.BatchLimit))
	}

	results := make([]models.ProcessResult, len(observations))
	var g errgroup.Group
	limit := p.config.BatchConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, obs := range observations {
		i, obs := i, obs
		g.Go(func() error {
			result, err := p.SubmitSync(ctx, obs)
			if err != nil {
				results[i] = models.ProcessResult{
					ObservationID: obs.ID,
					Items:         []models.ProcessItem{{Outcome: models.OutcomeFailed, Reason: err.Error()}},
				}
				return nil
			}
			results[i] = *result
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// Run starts the queue consumers. They stop when ctx is done; Close waits
// for them.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.config.Workers
	if workers < 1 {
		workers = 1
	}
	host, _ := os.Hostname()

	for i := 0; i < workers; i++ {
		consumer := fmt.Sprintf("%s-worker-%d", host, i)
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			if err := p.queue.Consume(ctx, consumer, p.handleQueued); err != nil {
				p.logger.WithError(err).Error("Observation consumer stopped")
			}
		}()
	}

	p.logger.WithFields(logger.Fields{"workers": workers}).Info("Pipeline workers started")
}

func (p *Pipeline) handleQueued(ctx context.Context, obs models.RawObservation) error {
	_, err := p.Process(ctx, obs)
	return err
}

// Process runs every URL of obs through the pipeline under the observation
// timeout. Skips and extraction trouble are outcomes, not errors; an error
// means a write could not be completed and the observation may be retried.
func (p *Pipeline) Process(ctx context.Context, obs models.RawObservation) (*models.ProcessResult, error) {
	startTime := time.Now()
	if p.config.ObservationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ObservationTimeout)
		defer cancel()
	}

	p.activeObservations.Store(obs.ID, startTime)
	defer p.activeObservations.Delete(obs.ID)

	result := &models.ProcessResult{ObservationID: obs.ID, Items: []models.ProcessItem{}}
	if len(obs.EmbeddedURLs) == 0 {
		p.stats.skippedNoURLs.Add(1)
		result.Items = append(result.Items, models.ProcessItem{Outcome: models.OutcomeSkipped, Reason: "no urls"})
		p.logger.LogObservation(obs.ID, "process", time.Since(startTime), map[string]interface{}{
			"outcome": "skipped",
			"reason":  "no urls",
		}, nil)
		return result, nil
	}

	// Message text only describes the product when it carries a single link.
	text := ""
	if len(obs.EmbeddedURLs) == 1 {
		text = obs.RawText
	}

	var errs []error
	for _, rawURL := range obs.EmbeddedURLs {
		item, err := p.processURL(ctx, obs, rawURL, text)
		if err != nil {
			errs = append(errs, err)
			item.Outcome = models.OutcomeFailed
			item.Reason = err.Error()
			p.stats.failed.Add(1)
		}
		result.Items = append(result.Items, item)
	}

	result.DurationMs = time.Since(startTime).Milliseconds()
	err := errors.Join(errs...)
	p.logger.LogObservation(obs.ID, "process", time.Since(startTime), map[string]interface{}{
		"urls":      len(obs.EmbeddedURLs),
		"persisted": result.Persisted(),
		"page":      obs.DestinationPage,
	}, err)
	return result, err
}

func (p *Pipeline) processURL(ctx context.Context, obs models.RawObservation, rawURL, text string) (models.ProcessItem, error) {
	item := models.ProcessItem{URL: rawURL}

	resolved := p.resolver.Resolve(ctx, rawURL)
	if !resolved.Resolved && !resolved.Skipped {
		item.RedirectFailed = true
		p.stats.redirectFallbacks.Add(1)
	}
	canonical, err := p.optimizer.CleanURL(resolved.URL)
	if err != nil {
		canonical = resolved.URL
	}
	item.ResolvedURL = canonical

	info := DetectPlatform(canonical)
	item.Platform = info.Platform

	ext := p.extractor.Extract(ctx, ExtractInput{URL: canonical, Platform: info, Text: text})
	item.Category = ext.Category
	item.Failures = ext.Failures
	p.recordFailures(ext.Failures)

	selection, err := p.optimizer.Optimize(ext.Category, info.Platform, obs.DestinationPage, canonical)
	if err != nil {
		p.stats.skippedNoNetwork.Add(1)
		item.Outcome = models.OutcomeSkipped
		item.Reason = err.Error()
		p.logger.WithObservationID(obs.ID).WithError(err).Warn("No affiliate network available, skipping URL")
		return item, nil
	}
	item.NetworkID = selection.Network.ID

	norm := p.normalizer.Normalize(NormalizeInput{
		Observation:  obs,
		CanonicalURL: canonical,
		Platform:     info,
		Extraction:   ext,
		Selection:    selection,
	})
	item.Score = norm.Score
	item.Grade = norm.Grade
	p.recordGrade(norm.Grade)
	if norm.Skip {
		p.stats.skippedGrade.Add(1)
		item.Outcome = models.OutcomeSkipped
		item.Reason = "quality grade D"
		return item, nil
	}

	// Nothing has been written yet; an abandoned observation leaves no trace.
	if err := ctx.Err(); err != nil {
		return item, models.WrapTimeoutError("process_observation", err)
	}

	merged, err := p.persist(ctx, obs, norm.Candidate)
	if err != nil {
		return item, err
	}

	item.Outcome = merged.Outcome
	item.ListingID = merged.Group.Listing.ID
	item.SourceID = merged.Source.ID
	item.Primary = merged.Primary
	switch merged.Outcome {
	case models.OutcomeCreated:
		p.stats.created.Add(1)
	case models.OutcomeMerged:
		p.stats.merged.Add(1)
	case models.OutcomeRefreshed:
		p.stats.refreshed.Add(1)
	}
	return item, nil
}

// persist is the single-writer section for one identity: find the active
// listing, merge, and save the whole group in one transaction.
func (p *Pipeline) persist(ctx context.Context, obs models.RawObservation, candidate MergeCandidate) (MergeResult, error) {
	startTime := time.Now()
	hash := candidate.Identity.Hash

	unlock, err := p.locker.Lock(ctx, hash)
	if err != nil {
		return MergeResult{}, err
	}
	defer unlock()

	now := p.now()
	existing, err := p.store.FindActiveByIdentity(ctx, hash, now)
	if err != nil {
		return MergeResult{}, err
	}
	if existing != nil && RepairPrimary(existing) {
		p.logger.WithFields(logger.Fields{
			"listing_id":     existing.Listing.ID,
			"observation_id": obs.ID,
		}).Warn("Repaired primary source of listing")
	}

	merged := p.dedup.Merge(existing, candidate, now)
	expired, err := p.store.SaveGroup(ctx, merged.Group, now)
	if err != nil {
		return MergeResult{}, err
	}

	if err := p.indexer.IndexListing(ctx, merged.Group.Listing); err != nil {
		p.logger.WithListingID(merged.Group.Listing.ID).WithError(err).Warn("Failed to index listing")
	}
	if len(expired) > 0 {
		if err := p.indexer.DeleteListings(ctx, expired); err != nil {
			p.logger.WithError(err).Warn("Failed to drop superseded listings from search index")
		}
	}

	p.logger.LogObservation(obs.ID, "persist", time.Since(startTime), map[string]interface{}{
		"listing_id": merged.Group.Listing.ID,
		"outcome":    string(merged.Outcome),
		"primary":    merged.Primary,
		"sources":    len(merged.Group.Sources),
		"superseded": len(expired),
	}, nil)
	return merged, nil
}

func (p *Pipeline) recordFailures(failures []models.ExtractionFailure) {
	if len(failures) == 0 {
		return
	}
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	for _, f := range failures {
		p.stats.extractionFailures[f]++
	}
}

func (p *Pipeline) recordGrade(grade string) {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	p.stats.grades[grade]++
}

func (p *Pipeline) GetActiveObservationsCount() int {
	count := 0
	p.activeObservations.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (p *Pipeline) QueueDepth(ctx context.Context) (int64, error) {
	return p.queue.Len(ctx)
}

func (p *Pipeline) GetStats() map[string]interface{} {
	p.stats.mu.Lock()
	failures := make(map[string]int64, len(p.stats.extractionFailures))
	for k, v := range p.stats.extractionFailures {
		failures[string(k)] = v
	}
	grades := make(map[string]int64, len(p.stats.grades))
	for k, v := range p.stats.grades {
		grades[k] = v
	}
	p.stats.mu.Unlock()

	return map[string]interface{}{
		"uptime_seconds":      time.Since(p.startTime).Seconds(),
		"received":            p.stats.received.Load(),
		"created":             p.stats.created.Load(),
		"merged":              p.stats.merged.Load(),
		"refreshed":           p.stats.refreshed.Load(),
		"skipped_no_urls":     p.stats.skippedNoURLs.Load(),
		"skipped_grade":       p.stats.skippedGrade.Load(),
		"skipped_no_network":  p.stats.skippedNoNetwork.Load(),
		"failed":              p.stats.failed.Load(),
		"redirect_fallbacks":  p.stats.redirectFallbacks.Load(),
		"extraction_failures": failures,
		"grades":              grades,
		"in_flight":           p.GetActiveObservationsCount(),
	}
}

// HealthCheck runs every dependency check. A nil entry means healthy.
func (p *Pipeline) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func() error{
		"store": func() error { return p.store.Ping(ctx) },
		"queue": func() error {
			_, err := p.queue.Len(ctx)
			return err
		},
		"search": func() error {
			if !p.indexer.Healthy() {
				return errors.New("search engine unhealthy")
			}
			return nil
		},
	}

	out := make(map[string]error, len(checks))
	for name, check := range checks {
		out[name] = check()
	}
	return out
}

// Close waits for the workers to stop and in-flight observations to drain,
// bounded by ctx.
func (p *Pipeline) Close(ctx context.Context) error {
	p.logger.Info("Pipeline shutting down")

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if active := p.GetActiveObservationsCount(); active > 0 {
				p.logger.WithFields(logger.Fields{"active_observations": active}).
					Warn("Timeout waiting for observations to complete")
			}
			return ctx.Err()
		case <-ticker.C:
			select {
			case <-done:
				if p.GetActiveObservationsCount() == 0 {
					p.logger.Info("All observations completed, pipeline closed")
					return p.queue.Close()
				}
			default:
			}
		}
	}
}
