package services

import (
	"net/url"
	"regexp"
	"strings"
)

const PlatformGeneric = "generic"

// PlatformInfo is the detector's verdict for one URL.
type PlatformInfo struct {
	Platform  string `json:"platform"`
	Confident bool   `json:"confident"`
	ProductID string `json:"product_id,omitempty"`
	Domain    string `json:"domain"`
	// Shortener is set for retailer short links that need resolving before
	// the product id is visible.
	Shortener bool `json:"shortener"`
}

type platformRule struct {
	name       string
	hosts      []string
	shorteners []string
	pathIDs    []*regexp.Regexp
	queryIDs   []string
}

var platformRules = []platformRule{
	{
		name:       "amazon",
		hosts:      []string{"amazon.in", "amazon.com", "amazon.co.uk", "amazon.de"},
		shorteners: []string{"amzn.to", "amzn.in", "a.co"},
		pathIDs: []*regexp.Regexp{
			regexp.MustCompile(`/(?:dp|gp/product|gp/aw/d|product)/([A-Z0-9]{10})`),
		},
	},
	{
		name:       "flipkart",
		hosts:      []string{"flipkart.com"},
		shorteners: []string{"fkrt.it", "dl.flipkart.com"},
		pathIDs:    []*regexp.Regexp{regexp.MustCompile(`/p/(itm[a-zA-Z0-9]+)`)},
		queryIDs:   []string{"pid"},
	},
	{
		name:    "myntra",
		hosts:   []string{"myntra.com"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/(\d{5,})(?:/buy)?/?$`)},
	},
	{
		name:     "nykaa",
		hosts:    []string{"nykaa.com", "nykaafashion.com"},
		pathIDs:  []*regexp.Regexp{regexp.MustCompile(`/p/(\d+)`)},
		queryIDs: []string{"productId"},
	},
	{
		name:    "ajio",
		hosts:   []string{"ajio.com"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/p/([0-9]+(?:_[a-z0-9]+)?)`)},
	},
	{
		name:    "meesho",
		hosts:   []string{"meesho.com"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/p/([a-z0-9]+)`)},
	},
	{
		name:  "boat",
		hosts: []string{"boat-lifestyle.com"},
		pathIDs: []*regexp.Regexp{
			regexp.MustCompile(`/products/([a-z0-9-]+)`),
		},
	},
	{
		name:    "mamaearth",
		hosts:   []string{"mamaearth.in"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/product/([a-z0-9-]+)`)},
	},
	{
		name:    "tatacliq",
		hosts:   []string{"tatacliq.com"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/p-(mp\d+)`)},
	},
	{
		name:    "croma",
		hosts:   []string{"croma.com"},
		pathIDs: []*regexp.Regexp{regexp.MustCompile(`/p/(\d+)`)},
	},
}

// DetectPlatform classifies a URL by hostname and path shape. It does no I/O
// and never fails: anything unrecognised is generic.
func DetectPlatform(rawURL string) PlatformInfo {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return PlatformInfo{Platform: PlatformGeneric}
	}

	domain := CanonicalDomain(u.Hostname())
	info := PlatformInfo{Platform: PlatformGeneric, Domain: domain}

	for _, rule := range platformRules {
		if hostMatches(domain, rule.shorteners) {
			info.Platform = rule.name
			info.Shortener = true
			return info
		}
		if !hostMatches(domain, rule.hosts) {
			continue
		}
		info.Platform = rule.name
		info.Confident = true
		info.ProductID = rule.productID(u)
		return info
	}

	return info
}

func (rule platformRule) productID(u *url.URL) string {
	for _, re := range rule.pathIDs {
		if m := re.FindStringSubmatch(u.Path); m != nil {
			return m[1]
		}
	}
	q := u.Query()
	for _, key := range rule.queryIDs {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// CanonicalDomain lowercases a host and strips common mobile/www prefixes.
func CanonicalDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, prefix := range []string{"www.", "m.", "mobile."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

func hostMatches(domain string, hosts []string) bool {
	for _, h := range hosts {
		if domain == h || strings.HasSuffix(domain, "."+h) {
			return true
		}
	}
	return false
}
