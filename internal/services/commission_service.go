package services

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const (
	urlPlaceholder = "{url}"
	maxUnwrapDepth = 5
)

// CommissionOptimizer picks the affiliate network with the best effective
// commission for a category and rewrites the canonical URL for it.
type CommissionOptimizer struct {
	registry *AffiliateRegistry
	logger   *logger.Logger
}

func NewCommissionOptimizer(registry *AffiliateRegistry, logger *logger.Logger) *CommissionOptimizer {
	return &CommissionOptimizer{registry: registry, logger: logger}
}

// Eligible lists active networks that support platform and are allowed on
// page.
func (o *CommissionOptimizer) Eligible(platform string, page models.PageProfile) []models.AffiliateNetwork {
	var out []models.AffiliateNetwork
	for _, n := range o.registry.Networks() {
		if n.Supports(platform) && page.Allows(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// Select chooses the network for category/platform on page. Highest effective
// rate wins, then priority, then network id. An empty eligible set falls back
// to the active network with the highest base rate.
func (o *CommissionOptimizer) Select(category, platform, page string) (models.NetworkSelection, error) {
	profile, _ := o.registry.Page(page)
	eligible := o.Eligible(platform, profile)

	fallback := false
	if len(eligible) == 0 {
		fallback = true
		eligible = o.registry.Networks()
		if len(eligible) == 0 {
			return models.NetworkSelection{}, models.ErrNoEligibleNetwork
		}
	}

	candidates := make([]models.NetworkSelection, 0, len(eligible))
	for _, n := range eligible {
		rate, priority, _ := o.registry.RateFor(category, n.ID)
		if fallback {
			rate, priority = n.BaseRate, n.Priority
		}
		candidates = append(candidates, models.NetworkSelection{
			Network:  n,
			Rate:     rate,
			Priority: priority,
			Fallback: fallback,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return betterSelection(candidates[i], candidates[j])
	})

	chosen := candidates[0]
	if fallback {
		o.logger.WithFields(logger.Fields{
			"service":  "commission_optimizer",
			"category": category,
			"platform": platform,
			"page":     page,
			"network":  chosen.Network.ID,
		}).Warn("No eligible affiliate network, using highest base rate network")
		chosen.Rate, chosen.Priority, _ = o.registry.RateFor(category, chosen.Network.ID)
	}
	return chosen, nil
}

func betterSelection(a, b models.NetworkSelection) bool {
	if a.Rate != b.Rate {
		return a.Rate > b.Rate
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Network.ID < b.Network.ID
}

// Optimize selects a network and produces the tracked URL for canonicalURL.
func (o *CommissionOptimizer) Optimize(category, platform, page, canonicalURL string) (models.NetworkSelection, error) {
	selection, err := o.Select(category, platform, page)
	if err != nil {
		return selection, err
	}
	tracked, err := o.Rewrite(selection.Network, canonicalURL)
	if err != nil {
		return selection, err
	}
	selection.AffiliateURL = tracked
	return selection, nil
}

// Rewrite tracks rawURL for network. It first strips any tracking a known
// network already applied, so rewriting a tracked URL again is a no-op.
func (o *CommissionOptimizer) Rewrite(network models.AffiliateNetwork, rawURL string) (string, error) {
	clean, err := o.CleanURL(rawURL)
	if err != nil {
		return "", err
	}

	switch network.Kind {
	case models.NetworkKindRedirector:
		if !strings.Contains(network.RedirectTemplate, urlPlaceholder) {
			return "", models.NewInternalError("INVALID_REDIRECT_TEMPLATE", "redirect template has no {url} placeholder").
				WithMetadata("network", network.ID)
		}
		return strings.Replace(network.RedirectTemplate, urlPlaceholder, url.QueryEscape(clean), 1), nil

	case models.NetworkKindParam:
		u, err := url.Parse(clean)
		if err != nil {
			return "", models.NewValidationError("INVALID_URL", "cannot rewrite URL", err.Error())
		}
		q := u.Query()
		q.Set(network.Param, network.ParamValue)
		for k, v := range network.ExtraParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	return "", models.NewInternalError("UNKNOWN_NETWORK_KIND", fmt.Sprintf("unknown network kind %q", network.Kind)).
		WithMetadata("network", network.ID)
}

// CleanURL unwraps redirector links and removes the tracking parameters of
// every configured network on hosts that network serves.
func (o *CommissionOptimizer) CleanURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", models.NewValidationError("INVALID_URL", "URL is not absolute", rawURL)
	}

	for depth := 0; depth < maxUnwrapDepth; depth++ {
		inner, ok := o.unwrap(u)
		if !ok {
			break
		}
		u = inner
	}

	host := CanonicalDomain(u.Hostname())
	platform := DetectPlatform(u.String()).Platform
	q := u.Query()
	changed := false
	for _, n := range o.registry.AllNetworks() {
		if n.Kind != models.NetworkKindParam {
			continue
		}
		if !servesURL(n, host, platform) {
			continue
		}
		for _, key := range trackingKeys(n) {
			if _, present := q[key]; present {
				q.Del(key)
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// unwrap returns the target of a redirector link.
func (o *CommissionOptimizer) unwrap(u *url.URL) (*url.URL, bool) {
	host := CanonicalDomain(u.Hostname())
	for _, n := range o.registry.AllNetworks() {
		if n.Kind != models.NetworkKindRedirector {
			continue
		}
		tmplHost, key := redirectorShape(n.RedirectTemplate)
		if host != tmplHost && !hostMatches(host, n.Domains) {
			continue
		}
		target := u.Query().Get(key)
		if target == "" {
			continue
		}
		inner, err := url.Parse(target)
		if err != nil || inner.Host == "" || (inner.Scheme != "http" && inner.Scheme != "https") {
			continue
		}
		return inner, true
	}
	return nil, false
}

// redirectorShape returns the template's canonical host and the query key
// that carries the wrapped URL.
func redirectorShape(template string) (string, string) {
	u, err := url.Parse(strings.Replace(template, urlPlaceholder, "__target__", 1))
	if err != nil {
		return "", "url"
	}
	for key, values := range u.Query() {
		for _, v := range values {
			if v == "__target__" {
				return CanonicalDomain(u.Hostname()), key
			}
		}
	}
	return CanonicalDomain(u.Hostname()), "url"
}

func servesURL(n models.AffiliateNetwork, host, platform string) bool {
	if hostMatches(host, n.Domains) {
		return true
	}
	return !n.Universal() && platform != PlatformGeneric && n.Supports(platform)
}

func trackingKeys(n models.AffiliateNetwork) []string {
	keys := []string{n.Param}
	for k := range n.ExtraParams {
		keys = append(keys, k)
	}
	return keys
}
