package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/pkg/pricing"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 500
)

var (
	textPolicy = bluemonday.StrictPolicy()

	urlRe          = regexp.MustCompile(`https?://\S+`)
	pricePhraseRe  = regexp.MustCompile(`(?i)(?:₹|\brs\.?|\binr\b|\bm\.?r\.?p\.?|\$|€|£)\s*[:@-]?\s*\d[\d,]*(?:\.\d+)?|\d{1,2}\s*%\s*off\b`)
	titleLeadRe    = regexp.MustCompile(`(?i)^(?:hot\s+deal|deal\s+of\s+the\s+day|steal\s+deal|loot\s+deal|price\s+drop|limited\s+time\s+(?:deal|offer)|deal|offer|loot|sale)\b\s*[:!-]*\s*`)
	ratingTextRe   = regexp.MustCompile(`(?i)\b([0-5](?:\.\d)?)\s*(?:/\s*5\b|stars?\b|★|⭐)`)
	reviewsTextRe  = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s*(?:\+\s*)?(?:ratings?|reviews?)\b`)
	firstNumberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
	discountPctRe  = regexp.MustCompile(`(\d{1,2}(?:\.\d+)?)\s*%`)
	rupeeRe        = regexp.MustCompile(`(?i)₹|\brs\.?\s*\d|\binr\b`)
	titleConnector = map[string]bool{"at": true, "for": true, "only": true, "just": true, "now": true, "@": true, "in": true, "price": true, "deal": true, "mrp": true, "-": true, "|": true, ":": true}
)

// ExtractInput describes one URL to extract. Text is the observation's message
// text and is left empty when the observation carries several URLs, since the
// text cannot be attributed to any single one of them.
type ExtractInput struct {
	URL      string
	Platform PlatformInfo
	Text     string
}

// ContentExtractor fetches a product page and runs the fallback chain:
// platform selectors, generic structured markup, page metadata, then the
// message text. Each field is taken from the first layer that yields it.
type ContentExtractor struct {
	collector *colly.Collector
	registry  *AffiliateRegistry
	retry     RetryPolicy
	currency  string
	config    config.ScraperConfig
	logger    *logger.Logger
}

func NewContentExtractor(config config.ScraperConfig, currency string, registry *AffiliateRegistry, logger *logger.Logger) (*ContentExtractor, error) {
	options := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	}
	if config.UserAgent != "" {
		options = append(options, colly.UserAgent(config.UserAgent))
	}
	if config.MaxBodySize > 0 {
		options = append(options, colly.MaxBodySize(config.MaxBodySize))
	}
	collector := colly.NewCollector(options...)

	parallelism := config.MaxConcurrency
	if parallelism < 1 {
		parallelism = 1
	}
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: parallelism}); err != nil {
		return nil, fmt.Errorf("failed to configure scraper limits: %w", err)
	}
	if config.Timeout > 0 {
		collector.SetRequestTimeout(config.Timeout)
	}

	logger.WithFields(map[string]interface{}{
		"service":         "content_extractor",
		"max_concurrency": parallelism,
		"timeout":         config.Timeout.String(),
		"retry_attempts":  config.RetryAttempts,
	}).Info("Content extractor initialized")

	return &ContentExtractor{
		collector: collector,
		registry:  registry,
		retry: RetryPolicy{
			Attempts:  config.RetryAttempts,
			BaseDelay: config.RetryBaseDelay,
			MaxDelay:  config.RetryMaxDelay,
		},
		currency: currency,
		config:   config,
		logger:   logger,
	}, nil
}

// Extract never fails: network trouble is recorded as a typed failure and the
// remaining layers still run.
func (e *ContentExtractor) Extract(ctx context.Context, in ExtractInput) *models.ExtractionResult {
	startTime := time.Now()
	x := e.newExtraction(in)

	if in.URL != "" {
		doc, base, err := e.fetchWithRetry(ctx, in.URL)
		if err != nil {
			x.result.AddFailure(models.FailureNetworkError)
			e.logger.WithFields(logger.Fields{
				"service":  "content_extractor",
				"url":      in.URL,
				"platform": in.Platform.Platform,
				"error":    err.Error(),
			}).Warn("Page fetch failed, continuing with text extraction")
		} else {
			x.applyPage(doc, base, in.Platform.Platform)
		}
	}

	return e.finish(x, in, startTime)
}

// ExtractHTML runs the chain over an already fetched page.
func (e *ContentExtractor) ExtractHTML(in ExtractInput, body io.Reader) *models.ExtractionResult {
	startTime := time.Now()
	x := e.newExtraction(in)

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		x.result.AddFailure(models.FailureNoSelectorMatch)
	} else {
		base, _ := url.Parse(in.URL)
		x.applyPage(doc.Selection, base, in.Platform.Platform)
	}

	return e.finish(x, in, startTime)
}

func (e *ContentExtractor) newExtraction(in ExtractInput) *extraction {
	return &extraction{
		result: &models.ExtractionResult{
			Currency:  e.currency,
			ProductID: in.Platform.ProductID,
		},
	}
}

func (e *ContentExtractor) finish(x *extraction, in ExtractInput, startTime time.Time) *models.ExtractionResult {
	if in.Text != "" {
		x.applyText(in.Text)
	}

	r := x.result
	r.Category = e.registry.DetectCategory(r.Title, in.Text, in.URL)
	if r.Title == "" {
		r.Title = e.registry.PlaceholderTitle(r.Category)
		r.TitleSynthesized = true
		r.Degraded = true
		r.SetStage("title", models.StageSynthesized)
	}

	x.reconcilePrices()
	if r.Price == nil || r.ImageURL == "" {
		r.Degraded = true
	}

	e.logger.LogService("content_extractor", "extract", time.Since(startTime), map[string]interface{}{
		"url":               in.URL,
		"platform":          in.Platform.Platform,
		"category":          r.Category,
		"has_price":         r.Price != nil,
		"has_image":         r.ImageURL != "",
		"title_synthesized": r.TitleSynthesized,
		"price_conflict":    r.PriceConflict,
		"failures":          len(r.Failures),
	}, nil)

	return r
}

func (e *ContentExtractor) fetchWithRetry(ctx context.Context, targetURL string) (*goquery.Selection, *url.URL, error) {
	var doc *goquery.Selection
	var base *url.URL
	err := e.retry.Do(ctx, "page_fetch", e.logger, func(int) error {
		var fetchErr error
		doc, base, fetchErr = e.fetch(ctx, targetURL)
		return fetchErr
	})
	return doc, base, err
}

func (e *ContentExtractor) fetch(ctx context.Context, targetURL string) (*goquery.Selection, *url.URL, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, nil, models.NewValidationError("INVALID_URL", "unsupported page URL", targetURL)
	}

	c := e.collector.Clone()
	var (
		doc        *goquery.Selection
		base       *url.URL
		statusCode int
		visitErr   error
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-IN,en;q=0.8")
		r.Headers.Set("Cache-Control", "max-age=0")
	})

	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
	})

	c.OnHTML("html", func(el *colly.HTMLElement) {
		if doc == nil {
			doc = el.DOM
			base = el.Request.URL
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		visitErr = err
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				visitErr = fmt.Errorf("scraper panic: %v", r)
			}
		}()
		if err := c.Visit(targetURL); err != nil && visitErr == nil {
			visitErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, nil, models.NewTimeoutError("SCRAPER_TIMEOUT", "Page fetch timed out").WithCause(ctx.Err())
	}

	if visitErr != nil {
		return nil, nil, classifyFetchError(statusCode, visitErr)
	}
	if doc == nil {
		noHTML := models.NewExternalError("SCRAPER_NO_HTML", fmt.Sprintf("no HTML document (HTTP %d)", statusCode))
		noHTML.Retryable = false
		return nil, nil, noHTML
	}
	return doc, base, nil
}

func classifyFetchError(statusCode int, err error) error {
	appErr := models.WrapExternalError("SCRAPER", err).WithMetadata("status_code", statusCode)
	switch {
	case statusCode == 0,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		appErr.Retryable = true
	default:
		appErr.Retryable = false
	}
	return appErr
}

// extraction accumulates one result across layers.
type extraction struct {
	result   *models.ExtractionResult
	price    *decimal.Decimal
	original *decimal.Decimal
	discount *int
	currency bool
}

func (x *extraction) applyPage(doc *goquery.Selection, base *url.URL, platform string) {
	for _, s := range strategyChain(platform) {
		f := s.Extract(doc, base)
		stage := s.Stage()

		x.setTitle(f.Title, stage)
		x.setDescription(f.Description, stage)
		x.setPrice(&x.price, "price", f.Price, stage)
		x.setPrice(&x.original, "original_price", f.OriginalPrice, stage)
		x.setDiscount(f.Discount, stage)
		x.setImage(f.Image, stage)
		x.setRating(f.Rating, stage)
		x.setReviewCount(f.ReviewCount, stage)
	}

	if x.result.Title == "" && x.price == nil {
		x.result.AddFailure(models.FailureNoSelectorMatch)
	}
}

func (x *extraction) applyText(text string) {
	clean := SanitizeText(text)
	prices := pricing.FromText(clean)

	if x.price == nil && prices.Price != nil {
		x.price = prices.Price
		x.result.SetStage("price", models.StageText)
		x.detectCurrency(clean)
	}
	if x.original == nil && prices.Original != nil {
		x.original = prices.Original
		x.result.SetStage("original_price", models.StageText)
	}
	if x.discount == nil && prices.Discount != nil {
		d := *prices.Discount
		x.discount = &d
		x.result.SetStage("discount", models.StageText)
	}

	x.setTitle(TitleFromText(text), models.StageText)

	if x.result.Rating == nil {
		if m := ratingTextRe.FindStringSubmatch(clean); m != nil {
			x.setRating(m[1], models.StageText)
		}
	}
	if x.result.ReviewCount == nil {
		if m := reviewsTextRe.FindStringSubmatch(clean); m != nil {
			x.setReviewCount(m[1], models.StageText)
		}
	}
	if x.result.Description == "" {
		x.setDescription(urlRe.ReplaceAllString(clean, ""), models.StageText)
	}
}

func (x *extraction) setTitle(raw string, stage models.ExtractionStage) {
	if x.result.Title != "" {
		return
	}
	title := trimSiteSuffix(SanitizeText(raw))
	if letterCount(title) < 3 {
		return
	}
	x.result.Title = truncateRunes(title, maxTitleLength)
	x.result.SetStage("title", stage)
}

func (x *extraction) setDescription(raw string, stage models.ExtractionStage) {
	if x.result.Description != "" {
		return
	}
	desc := SanitizeText(raw)
	if letterCount(desc) < 10 {
		return
	}
	x.result.Description = truncateRunes(desc, maxDescriptionLength)
	x.result.SetStage("description", stage)
}

func (x *extraction) setPrice(dst **decimal.Decimal, field, raw string, stage models.ExtractionStage) {
	if *dst != nil || raw == "" {
		return
	}
	amount, err := pricing.ParseAmount(raw)
	if err != nil {
		x.result.AddFailure(models.FailureInvalidPrice)
		return
	}
	*dst = &amount
	x.result.SetStage(field, stage)
	if field == "price" {
		x.detectCurrency(raw)
	}
}

func (x *extraction) setDiscount(raw string, stage models.ExtractionStage) {
	if x.discount != nil || raw == "" {
		return
	}
	m := discountPctRe.FindStringSubmatch(raw)
	if m == nil {
		return
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return
	}
	d := int(f + 0.5)
	if !pricing.ValidDiscount(d) {
		return
	}
	x.discount = &d
	x.result.SetStage("discount", stage)
}

func (x *extraction) setImage(raw string, stage models.ExtractionStage) {
	if x.result.ImageURL != "" || raw == "" {
		return
	}
	x.result.ImageURL = raw
	x.result.SetStage("image_url", stage)
}

func (x *extraction) setRating(raw string, stage models.ExtractionStage) {
	if x.result.Rating != nil || raw == "" {
		return
	}
	m := firstNumberRe.FindString(raw)
	if m == "" {
		return
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 || v > 5 {
		return
	}
	x.result.Rating = &v
	x.result.SetStage("rating", stage)
}

func (x *extraction) setReviewCount(raw string, stage models.ExtractionStage) {
	if x.result.ReviewCount != nil || raw == "" {
		return
	}
	digits := strings.ReplaceAll(firstNumberRe.FindString(strings.ReplaceAll(raw, ",", "")), ".", "")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return
	}
	x.result.ReviewCount = &n
	x.result.SetStage("review_count", stage)
}

func (x *extraction) detectCurrency(raw string) {
	if x.currency {
		return
	}
	switch {
	case rupeeRe.MatchString(raw):
		x.result.Currency = "INR"
	case strings.Contains(raw, "$"):
		x.result.Currency = "USD"
	case strings.Contains(raw, "€"):
		x.result.Currency = "EUR"
	case strings.Contains(raw, "£"):
		x.result.Currency = "GBP"
	default:
		return
	}
	x.currency = true
}

func (x *extraction) reconcilePrices() {
	r := x.result
	set := pricing.Reconcile(pricing.Set{
		Price:    pricing.FromDecimal(x.price),
		Original: pricing.FromDecimal(x.original),
		Discount: x.discount,
	})

	if x.price == nil && set.Price != nil {
		r.SetStage("price", models.StageDerived)
	}
	if x.original == nil && set.Original != nil {
		r.SetStage("original_price", models.StageDerived)
	}
	if set.Discount != nil && (x.discount == nil || *x.discount != *set.Discount) {
		r.SetStage("discount", models.StageDerived)
	}
	if set.Conflict {
		r.PriceConflict = true
		r.AddFailure(models.FailureInvalidPrice)
	}

	r.Price = set.Price
	r.OriginalPrice = set.Original
	r.Discount = set.Discount
}

// SanitizeText strips markup and collapses whitespace in untrusted text.
func SanitizeText(s string) string {
	return collapseSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// TitleFromText picks the first line of a deal message that reads like a
// product name: URLs, hashtags and bare price lines are skipped, and a
// trailing price phrase ("at ₹1,299") is cut off.
func TitleFromText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = SanitizeText(urlRe.ReplaceAllString(line, ""))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if loc := pricePhraseRe.FindStringIndex(line); loc != nil {
			if letterCount(line[:loc[0]]) >= 4 {
				line = line[:loc[0]]
			} else {
				line = pricePhraseRe.ReplaceAllString(line, " ")
			}
		}
		line = strings.TrimFunc(line, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		line = titleLeadRe.ReplaceAllString(line, "")
		line = trimConnectors(collapseSpace(line))
		if letterCount(line) < 4 {
			continue
		}
		return truncateRunes(line, maxTitleLength)
	}
	return ""
}

func trimConnectors(s string) string {
	words := strings.Fields(s)
	for len(words) > 0 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], ",.:;!-|"))
		if last != "" && !titleConnector[last] {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.TrimRight(strings.Join(words, " "), ",.:;!-| ")
}

// trimSiteSuffix drops "| Site" and "Site: " decorations around page titles.
func trimSiteSuffix(title string) string {
	if i := strings.Index(title, " | "); i > 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Amazon.in: ")
	for _, suffix := range []string{" Online at Low Prices in India", " - Amazon.in", " - Flipkart.com"} {
		if i := strings.Index(title, suffix); i > 0 {
			title = title[:i]
		}
	}
	return strings.TrimSpace(title)
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
