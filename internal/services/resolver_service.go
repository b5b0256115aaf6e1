package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var metaRefreshRe = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]*content=["']?\d*\s*;\s*url=([^"'>\s]+)`)

// ResolveResult is the outcome of following a link. URL is always usable:
// after a failed hop it is the last URL reached, and on a redirect limit or a
// failure before any redirect it is the original input.
type ResolveResult struct {
	OriginalURL string        `json:"original_url"`
	URL         string        `json:"url"`
	Hops        int           `json:"hops"`
	Resolved    bool          `json:"resolved"`
	Skipped     bool          `json:"skipped"`
	Failure     string        `json:"failure,omitempty"`
	Duration    time.Duration `json:"duration"`
}

type RedirectResolver struct {
	client  *http.Client
	config  config.ResolverConfig
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *logger.Logger
}

func NewRedirectResolver(config config.ResolverConfig, logger *logger.Logger) *RedirectResolver {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	return &RedirectResolver{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		retry: RetryPolicy{
			Attempts:  config.RetryAttempts,
			BaseDelay: config.RetryBaseDelay,
			MaxDelay:  config.RetryMaxDelay,
		},
		logger: logger,
	}
}

// NeedsResolution is false for full retailer product URLs, which are already
// canonical.
func NeedsResolution(info PlatformInfo) bool {
	return !(info.Confident && info.ProductID != "")
}

// Resolve follows redirects from rawURL. It never returns an error: failures
// degrade to the best URL reached and are logged as recoverable.
func (r *RedirectResolver) Resolve(ctx context.Context, rawURL string) ResolveResult {
	startTime := time.Now()
	result := ResolveResult{OriginalURL: rawURL, URL: rawURL}

	if !NeedsResolution(DetectPlatform(rawURL)) {
		result.Skipped = true
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.TotalTimeout)
	defer cancel()

	current := rawURL
	var err error
	hitLimit := false
	for {
		var next string
		next, err = r.hopWithRetry(ctx, current)
		if err != nil || next == "" {
			break
		}
		if result.Hops >= r.config.MaxHops {
			err = models.NewExternalError("REDIRECT_LIMIT", "redirect limit exceeded").
				WithMetadata("max_hops", r.config.MaxHops)
			hitLimit = true
			break
		}
		result.Hops++
		current = next
	}

	result.Duration = time.Since(startTime)
	data := map[string]interface{}{
		"url":  rawURL,
		"hops": result.Hops,
	}

	if err != nil {
		result.Failure = err.Error()
		fields := logger.Fields{
			"service":     "redirect_resolver",
			"url":         rawURL,
			"error":       err.Error(),
			"duration_ms": result.Duration.Milliseconds(),
		}
		// A redirect loop gives no trustworthy destination. A hop that
		// failed after a Location was followed still leaves that URL.
		if hitLimit || result.Hops == 0 {
			result.Hops = 0
			r.logger.WithFields(fields).Warn("Redirect resolution failed, using original URL")
			return result
		}
		result.URL = current
		fields["last_url"] = current
		fields["hops"] = result.Hops
		r.logger.WithFields(fields).Warn("Redirect resolution stopped early, using last URL reached")
		return result
	}

	result.URL = current
	result.Resolved = true
	data["resolved_url"] = current
	r.logger.LogService("redirect_resolver", "resolve", result.Duration, data, nil)
	return result
}

func (r *RedirectResolver) hopWithRetry(ctx context.Context, current string) (string, error) {
	var next string
	err := r.retry.Do(ctx, "redirect_hop", r.logger, func(int) error {
		var hopErr error
		next, hopErr = r.hop(ctx, current)
		return hopErr
	})
	return next, err
}

// hop performs one request and returns the next URL, or "" when current is
// the final destination.
func (r *RedirectResolver) hop(ctx context.Context, current string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", models.WrapTimeoutError("redirect_rate_limit", err)
	}

	hopCtx, cancel := context.WithTimeout(ctx, r.config.HopTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, current, nil)
	if err != nil {
		return "", models.NewValidationError("INVALID_URL", "invalid URL", err.Error())
	}
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(hopCtx.Err(), context.DeadlineExceeded) {
			return "", models.WrapTimeoutError("redirect_hop", err)
		}
		return "", models.WrapExternalError("REDIRECT", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", nil
		}
		return resolveReference(current, loc)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if m := metaRefreshRe.FindSubmatch(body); m != nil {
			return resolveReference(current, string(m[1]))
		}
		return "", nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", models.NewExternalError("REDIRECT_HTTP_ERROR", fmt.Sprintf("HTTP %d", resp.StatusCode))
	default:
		e := models.NewExternalError("REDIRECT_HTTP_ERROR", fmt.Sprintf("HTTP %d", resp.StatusCode))
		e.Retryable = false
		return "", e
	}
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", models.NewValidationError("INVALID_URL", "invalid URL", err.Error())
	}
	ref = strings.TrimSpace(strings.ReplaceAll(ref, "&amp;", "&"))
	u, err := b.Parse(ref)
	if err != nil {
		return "", models.NewValidationError("INVALID_REDIRECT", "invalid redirect location", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", models.NewValidationError("INVALID_REDIRECT", "unsupported redirect scheme", u.Scheme)
	}
	return u.String(), nil
}
