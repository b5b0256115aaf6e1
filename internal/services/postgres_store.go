package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raw_observations (
		id                TEXT PRIMARY KEY,
		source_channel_id TEXT NOT NULL,
		destination_page  TEXT NOT NULL,
		raw_text          TEXT NOT NULL DEFAULT '',
		embedded_urls     TEXT[] NOT NULL DEFAULT '{}',
		arrived_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id                TEXT PRIMARY KEY,
		identity_hash     TEXT NOT NULL,
		title             TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		price             DOUBLE PRECISION,
		original_price    DOUBLE PRECISION,
		currency          TEXT NOT NULL DEFAULT '',
		discount          INTEGER,
		image_url         TEXT NOT NULL DEFAULT '',
		affiliate_url     TEXT NOT NULL,
		category          TEXT NOT NULL,
		rating            DOUBLE PRECISION,
		review_count      INTEGER,
		is_featured       BOOLEAN NOT NULL DEFAULT FALSE,
		content_type      TEXT NOT NULL,
		processing_status TEXT NOT NULL,
		quality_score     INTEGER NOT NULL,
		quality_grade     TEXT NOT NULL,
		source_channel_id TEXT NOT NULL DEFAULT '',
		expires_at        TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS listings_active_identity
		ON listings (identity_hash) WHERE processing_status = 'active'`,
	`CREATE INDEX IF NOT EXISTS listings_expiry
		ON listings (expires_at) WHERE processing_status = 'active'`,
	`CREATE TABLE IF NOT EXISTS listing_sources (
		id               TEXT PRIMARY KEY,
		listing_id       TEXT NOT NULL REFERENCES listings (id) ON DELETE CASCADE,
		observation_id   TEXT NOT NULL,
		source_url       TEXT NOT NULL,
		affiliate_url    TEXT NOT NULL,
		network_id       TEXT NOT NULL,
		platform         TEXT NOT NULL,
		commission_rate  DOUBLE PRECISION NOT NULL,
		network_priority INTEGER NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		price            DOUBLE PRECISION,
		original_price   DOUBLE PRECISION,
		discount         INTEGER,
		currency         TEXT NOT NULL DEFAULT '',
		image_url        TEXT NOT NULL DEFAULT '',
		available        BOOLEAN NOT NULL,
		is_primary       BOOLEAN NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (listing_id, network_id, source_url)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS listing_sources_one_primary
		ON listing_sources (listing_id) WHERE is_primary`,
	`CREATE TABLE IF NOT EXISTS listing_pages (
		listing_id TEXT NOT NULL REFERENCES listings (id) ON DELETE CASCADE,
		page       TEXT NOT NULL,
		PRIMARY KEY (listing_id, page)
	)`,
	`CREATE TABLE IF NOT EXISTS page_categories (
		page     TEXT NOT NULL,
		category TEXT NOT NULL,
		PRIMARY KEY (page, category)
	)`,
}

// visibleClause is models.IsVisibleAt in SQL. $1 is always now.
const visibleClause = `l.processing_status = 'active' AND (l.expires_at IS NULL OR l.expires_at > $1)`

const listingColumns = `l.id, l.identity_hash, l.title, l.description, l.price, l.original_price,
	l.currency, l.discount, l.image_url, l.affiliate_url, l.category, l.rating, l.review_count,
	l.is_featured, l.content_type, l.processing_status, l.quality_score, l.quality_grade,
	l.source_channel_id, l.expires_at, l.created_at, l.updated_at,
	ARRAY(SELECT lp.page FROM listing_pages lp WHERE lp.listing_id = l.id ORDER BY lp.page)`

const sourceColumns = `id, listing_id, observation_id, source_url, affiliate_url, network_id, platform,
	commission_rate, network_priority, title, price, original_price, discount, currency,
	image_url, available, is_primary, created_at, updated_at`

// orphanCategories drops page/category rows no visible listing backs any more.
const orphanCategories = `DELETE FROM page_categories pc
	WHERE NOT EXISTS (
		SELECT 1 FROM listing_pages lp JOIN listings l ON l.id = lp.listing_id
		WHERE lp.page = pc.page AND l.category = pc.category AND ` + visibleClause + `
	)`

// PostgresStore is the durable ListingStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

func NewPostgresStore(ctx context.Context, config config.PostgresConfig, logger *logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connection to Postgres failed: %w", err)
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"max_conns": poolConfig.MaxConns,
	}).Info("Postgres store initialized")
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return models.WrapStoreError("migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveObservation(ctx context.Context, obs models.RawObservation) error {
	startTime := time.Now()
	urls := obs.EmbeddedURLs
	if urls == nil {
		urls = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO raw_observations
		(id, source_channel_id, destination_page, raw_text, embedded_urls, arrived_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		obs.ID, obs.SourceChannelID, obs.DestinationPage, obs.RawText, urls, obs.ArrivedAt)

	s.logger.LogService("postgres", "save_observation", time.Since(startTime), map[string]interface{}{
		"observation_id": obs.ID,
	}, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.NewConflictError("OBSERVATION_EXISTS", "Observation already stored").WithMetadata("id", obs.ID)
		}
		return models.WrapStoreError("save_observation", err)
	}
	return nil
}

func (s *PostgresStore) GetObservation(ctx context.Context, id string) (models.RawObservation, error) {
	var obs models.RawObservation
	err := s.pool.QueryRow(ctx, `SELECT id, source_channel_id, destination_page, raw_text, embedded_urls, arrived_at
		FROM raw_observations WHERE id = $1`, id).
		Scan(&obs.ID, &obs.SourceChannelID, &obs.DestinationPage, &obs.RawText, &obs.EmbeddedURLs, &obs.ArrivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RawObservation{}, models.NotFound(models.ErrObservationNotFound, id)
	}
	if err != nil {
		return models.RawObservation{}, models.WrapStoreError("get_observation", err)
	}
	return obs, nil
}

func (s *PostgresStore) FindActiveByIdentity(ctx context.Context, identityHash string, now time.Time) (*models.ListingGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings l
		WHERE `+visibleClause+` AND l.identity_hash = $2`, now, identityHash)
	listing, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapStoreError("find_active_by_identity", err)
	}
	sources, err := loadSources(ctx, s.pool, listing.ID)
	if err != nil {
		return nil, err
	}
	return &models.ListingGroup{Listing: listing, Sources: sources}, nil
}

func (s *PostgresStore) SaveGroup(ctx context.Context, group *models.ListingGroup, now time.Time) ([]string, error) {
	startTime := time.Now()
	l := group.Listing
	var expired []string

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT processing_status FROM listings WHERE id = $1 FOR UPDATE`, l.ID).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			from, err := models.ParseStatus(current)
			if err != nil {
				return err
			}
			if from != l.ProcessingStatus && !models.IsTransitionAllowed(from, l.ProcessingStatus) {
				return models.InvalidTransition(from, l.ProcessingStatus)
			}
		}

		if l.ProcessingStatus == models.StatusActive {
			rows, err := tx.Query(ctx, `UPDATE listings SET processing_status = 'expired', updated_at = $3
				WHERE identity_hash = $1 AND id <> $2 AND processing_status = 'active'
				RETURNING id`, l.IdentityHash, l.ID, now)
			if err != nil {
				return err
			}
			expired, err = pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return err
			}
			if len(expired) > 0 {
				if _, err := tx.Exec(ctx, `DELETE FROM listing_pages WHERE listing_id = ANY($1)`, expired); err != nil {
					return err
				}
			}
		}

		if err := upsertListing(ctx, tx, l); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM listing_pages WHERE listing_id = $1`, l.ID); err != nil {
			return err
		}
		if l.ProcessingStatus == models.StatusActive {
			for _, page := range l.Pages {
				if _, err := tx.Exec(ctx, `INSERT INTO listing_pages (listing_id, page) VALUES ($1, $2)
					ON CONFLICT DO NOTHING`, l.ID, page); err != nil {
					return err
				}
				if _, err := tx.Exec(ctx, `INSERT INTO page_categories (page, category) VALUES ($1, $2)
					ON CONFLICT DO NOTHING`, page, l.Category); err != nil {
					return err
				}
			}
		}

		// Primary flags are cleared first so the one-primary index holds
		// while the new flags are written.
		if _, err := tx.Exec(ctx, `UPDATE listing_sources SET is_primary = FALSE WHERE listing_id = $1`, l.ID); err != nil {
			return err
		}
		for _, src := range group.Sources {
			if err := upsertSource(ctx, tx, src); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, orphanCategories, now)
		return err
	})

	s.logger.LogService("postgres", "save_group", time.Since(startTime), map[string]interface{}{
		"listing_id": l.ID,
		"sources":    len(group.Sources),
		"expired":    len(expired),
	}, err)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, models.WrapStoreError("save_group", err)
	}
	return expired, nil
}

func upsertListing(ctx context.Context, tx pgx.Tx, l models.Listing) error {
	_, err := tx.Exec(ctx, `INSERT INTO listings (
			id, identity_hash, title, description, price, original_price, currency, discount,
			image_url, affiliate_url, category, rating, review_count, is_featured, content_type,
			processing_status, quality_score, quality_grade, source_channel_id, expires_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, description = EXCLUDED.description, price = EXCLUDED.price,
			original_price = EXCLUDED.original_price, currency = EXCLUDED.currency,
			discount = EXCLUDED.discount, image_url = EXCLUDED.image_url,
			affiliate_url = EXCLUDED.affiliate_url, category = EXCLUDED.category,
			rating = EXCLUDED.rating, review_count = EXCLUDED.review_count,
			is_featured = EXCLUDED.is_featured, content_type = EXCLUDED.content_type,
			processing_status = EXCLUDED.processing_status, quality_score = EXCLUDED.quality_score,
			quality_grade = EXCLUDED.quality_grade, source_channel_id = EXCLUDED.source_channel_id,
			expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		l.ID, l.IdentityHash, l.Title, l.Description, l.Price, l.OriginalPrice, l.Currency, l.Discount,
		l.ImageURL, l.AffiliateURL, l.Category, l.Rating, l.ReviewCount, l.IsFeatured, string(l.ContentType),
		string(l.ProcessingStatus), l.QualityScore, l.QualityGrade, l.SourceChannelID, l.ExpiresAt,
		l.CreatedAt, l.UpdatedAt)
	return err
}

func upsertSource(ctx context.Context, tx pgx.Tx, src models.ListingSource) error {
	_, err := tx.Exec(ctx, `INSERT INTO listing_sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			observation_id = EXCLUDED.observation_id, affiliate_url = EXCLUDED.affiliate_url,
			platform = EXCLUDED.platform, commission_rate = EXCLUDED.commission_rate,
			network_priority = EXCLUDED.network_priority, title = EXCLUDED.title,
			price = EXCLUDED.price, original_price = EXCLUDED.original_price,
			discount = EXCLUDED.discount, currency = EXCLUDED.currency,
			image_url = EXCLUDED.image_url, available = EXCLUDED.available,
			is_primary = EXCLUDED.is_primary, updated_at = EXCLUDED.updated_at`,
		src.ID, src.ListingID, src.ObservationID, src.SourceURL, src.AffiliateURL, src.NetworkID, src.Platform,
		src.CommissionRate, src.NetworkPriority, src.Title, src.Price, src.OriginalPrice, src.Discount, src.Currency,
		src.ImageURL, src.Available, src.IsPrimary, src.CreatedAt, src.UpdatedAt)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*models.ListingGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.id = $1`, id)
	listing, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFound(models.ErrListingNotFound, id)
	}
	if err != nil {
		return nil, models.WrapStoreError("get_listing", err)
	}
	sources, err := loadSources(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	return &models.ListingGroup{Listing: listing, Sources: sources}, nil
}

func (s *PostgresStore) ListVisible(ctx context.Context, q models.ListingQuery, now time.Time) ([]models.Listing, error) {
	startTime := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings l
		WHERE `+visibleClause+`
			AND ($2::text = '' OR EXISTS (SELECT 1 FROM listing_pages lp WHERE lp.listing_id = l.id AND lp.page = $2))
			AND ($3::text = '' OR l.category = $3)
			AND ($4::text = '' OR l.content_type = $4)
		ORDER BY l.created_at DESC, l.id
		LIMIT NULLIF($5::int, 0) OFFSET $6`,
		now, q.Page, q.Category, string(q.ContentType), q.Limit, q.Offset)
	if err != nil {
		return nil, models.WrapStoreError("list_visible", err)
	}
	defer rows.Close()

	listings := []models.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, models.WrapStoreError("list_visible", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapStoreError("list_visible", err)
	}

	s.logger.LogService("postgres", "list_visible", time.Since(startTime), map[string]interface{}{
		"page":     q.Page,
		"category": q.Category,
		"count":    len(listings),
	}, nil)
	return listings, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context, page string, now time.Time) ([]models.CategoryCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT l.category, COUNT(*) FROM listings l
		WHERE `+visibleClause+`
			AND ($2::text = '' OR EXISTS (SELECT 1 FROM listing_pages lp WHERE lp.listing_id = l.id AND lp.page = $2))
		GROUP BY l.category
		ORDER BY COUNT(*) DESC, l.category`, now, page)
	if err != nil {
		return nil, models.WrapStoreError("list_categories", err)
	}
	defer rows.Close()

	counts := []models.CategoryCount{}
	for rows.Next() {
		var c models.CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, models.WrapStoreError("list_categories", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapStoreError("list_categories", err)
	}
	return counts, nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The negation of visibleClause for active rows: expires_at <= now.
		rows, err := tx.Query(ctx, `UPDATE listings SET processing_status = 'expired', updated_at = $1
			WHERE processing_status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
			RETURNING id`, now)
		if err != nil {
			return err
		}
		expired, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM listing_pages WHERE listing_id = ANY($1)`, expired); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, orphanCategories, now)
		return err
	})
	if err != nil {
		return nil, models.WrapStoreError("expire_stale", err)
	}
	return expired, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to models.ProcessingStatus, now time.Time) (*models.Listing, error) {
	var listing models.Listing
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT processing_status FROM listings WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.NotFound(models.ErrListingNotFound, id)
		}
		if err != nil {
			return err
		}
		from, err := models.ParseStatus(current)
		if err != nil {
			return err
		}
		if !models.IsTransitionAllowed(from, to) {
			return models.InvalidTransition(from, to)
		}

		if _, err := tx.Exec(ctx, `UPDATE listings SET processing_status = $2, updated_at = $3 WHERE id = $1`,
			id, string(to), now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM listing_pages WHERE listing_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, orphanCategories, now); err != nil {
			return err
		}

		listing, err = scanListing(tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.id = $1`, id))
		return err
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, models.WrapStoreError("transition", err)
	}
	return &listing, nil
}

func (s *PostgresStore) PurgeRemoved(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listings WHERE processing_status = 'removed' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, models.WrapStoreError("purge_removed", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanListing(row pgx.Row) (models.Listing, error) {
	var (
		l           models.Listing
		contentType string
		status      string
	)
	err := row.Scan(&l.ID, &l.IdentityHash, &l.Title, &l.Description, &l.Price, &l.OriginalPrice,
		&l.Currency, &l.Discount, &l.ImageURL, &l.AffiliateURL, &l.Category, &l.Rating, &l.ReviewCount,
		&l.IsFeatured, &contentType, &status, &l.QualityScore, &l.QualityGrade,
		&l.SourceChannelID, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt, &l.Pages)
	if err != nil {
		return l, err
	}
	l.ContentType = models.ContentType(contentType)
	l.ProcessingStatus, err = models.ParseStatus(status)
	return l, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSources(ctx context.Context, q querier, listingID string) ([]models.ListingSource, error) {
	rows, err := q.Query(ctx, `SELECT `+sourceColumns+` FROM listing_sources
		WHERE listing_id = $1 ORDER BY created_at, id`, listingID)
	if err != nil {
		return nil, models.WrapStoreError("load_sources", err)
	}
	defer rows.Close()

	var sources []models.ListingSource
	for rows.Next() {
		var src models.ListingSource
		if err := rows.Scan(&src.ID, &src.ListingID, &src.ObservationID, &src.SourceURL, &src.AffiliateURL,
			&src.NetworkID, &src.Platform, &src.CommissionRate, &src.NetworkPriority, &src.Title,
			&src.Price, &src.OriginalPrice, &src.Discount, &src.Currency, &src.ImageURL,
			&src.Available, &src.IsPrimary, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, models.WrapStoreError("load_sources", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapStoreError("load_sources", err)
	}
	return sources, nil
}
