package services

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultCategory = "General"

//go:embed default_registry.yaml
var defaultRegistryYAML []byte

// RegistryFile is the on-disk shape of the affiliate registry.
type RegistryFile struct {
	Networks          []models.AffiliateNetwork       `yaml:"networks"`
	CategoryRates     []models.CategoryCommissionRate `yaml:"category_rates"`
	Pages             []models.PageProfile            `yaml:"pages"`
	CategoryFallbacks []models.CategoryFallback       `yaml:"category_fallbacks"`
	Categories        []models.CategoryRule           `yaml:"categories"`
}

type rateKey struct {
	category string
	network  string
}

type compiledCategory struct {
	name     string
	keywords []*regexp.Regexp
	patterns []string
}

// AffiliateRegistry is the read-only lookup for networks, per-category
// commission overrides, destination pages and category fallbacks.
type AffiliateRegistry struct {
	networks   []models.AffiliateNetwork
	byID       map[string]models.AffiliateNetwork
	rates      map[rateKey]models.CategoryCommissionRate
	pages      map[string]models.PageProfile
	fallbacks  map[string]models.CategoryFallback
	categories []compiledCategory
	logger     *logger.Logger
}

// LoadRegistry reads the registry from path, or the built-in defaults when
// path is empty.
func LoadRegistry(path string, logger *logger.Logger) (*AffiliateRegistry, error) {
	data := defaultRegistryYAML
	source := "embedded"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read affiliate registry %s: %w", path, err)
		}
		data = b
		source = path
	}

	file, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse affiliate registry %s: %w", source, err)
	}

	registry, err := NewAffiliateRegistry(file, logger)
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"source":         source,
		"networks":       len(registry.networks),
		"category_rates": len(registry.rates),
		"pages":          len(registry.pages),
	}).Info("Affiliate registry loaded")

	return registry, nil
}

func ParseRegistry(data []byte) (RegistryFile, error) {
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RegistryFile{}, err
	}
	return file, nil
}

// DefaultRegistryFile returns the embedded registry.
func DefaultRegistryFile() RegistryFile {
	file, err := ParseRegistry(defaultRegistryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded affiliate registry is invalid: %v", err))
	}
	return file
}

func NewAffiliateRegistry(file RegistryFile, logger *logger.Logger) (*AffiliateRegistry, error) {
	r := &AffiliateRegistry{
		byID:      make(map[string]models.AffiliateNetwork),
		rates:     make(map[rateKey]models.CategoryCommissionRate),
		pages:     make(map[string]models.PageProfile),
		fallbacks: make(map[string]models.CategoryFallback),
		logger:    logger,
	}

	for _, n := range file.Networks {
		if n.ID == "" {
			return nil, fmt.Errorf("affiliate network %q has no id", n.Name)
		}
		if _, dup := r.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate affiliate network id %q", n.ID)
		}
		switch n.Kind {
		case models.NetworkKindParam:
			if n.Param == "" || n.ParamValue == "" {
				return nil, fmt.Errorf("network %s: param networks need param and param_value", n.ID)
			}
		case models.NetworkKindRedirector:
			if !strings.Contains(n.RedirectTemplate, "{url}") {
				return nil, fmt.Errorf("network %s: redirect_template must contain {url}", n.ID)
			}
		default:
			return nil, fmt.Errorf("network %s: unknown kind %q", n.ID, n.Kind)
		}
		if n.BaseRate < 0 {
			return nil, fmt.Errorf("network %s: negative base rate", n.ID)
		}
		r.byID[n.ID] = n
		r.networks = append(r.networks, n)
	}
	sort.Slice(r.networks, func(i, j int) bool { return r.networks[i].ID < r.networks[j].ID })

	for _, rate := range file.CategoryRates {
		if _, ok := r.byID[rate.NetworkID]; !ok {
			return nil, fmt.Errorf("category rate %s references unknown network %q", rate.Category, rate.NetworkID)
		}
		if !rate.Active {
			continue
		}
		key := rateKey{category: categoryKey(rate.Category), network: rate.NetworkID}
		if _, dup := r.rates[key]; dup {
			return nil, fmt.Errorf("more than one active rate for (%s, %s)", rate.Category, rate.NetworkID)
		}
		r.rates[key] = rate
	}

	for _, p := range file.Pages {
		if p.Slug == "" {
			return nil, fmt.Errorf("page profile without slug")
		}
		for _, id := range p.AllowedNetworks {
			if _, ok := r.byID[id]; !ok {
				return nil, fmt.Errorf("page %s allows unknown network %q", p.Slug, id)
			}
		}
		if p.ContentType == "" {
			p.ContentType = models.ContentTypeProduct
		}
		r.pages[p.Slug] = p
	}

	for _, f := range file.CategoryFallbacks {
		r.fallbacks[categoryKey(f.Category)] = f
	}

	for _, c := range file.Categories {
		cc := compiledCategory{name: c.Name}
		for _, kw := range c.Keywords {
			kw = strings.TrimSpace(strings.ToLower(kw))
			if kw == "" {
				continue
			}
			cc.keywords = append(cc.keywords, regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		for _, p := range c.URLPatterns {
			cc.patterns = append(cc.patterns, strings.ToLower(p))
		}
		r.categories = append(r.categories, cc)
	}

	return r, nil
}

// Networks returns the active networks ordered by id.
func (r *AffiliateRegistry) Networks() []models.AffiliateNetwork {
	out := make([]models.AffiliateNetwork, 0, len(r.networks))
	for _, n := range r.networks {
		if n.Active {
			out = append(out, n)
		}
	}
	return out
}

// AllNetworks includes inactive networks. URL cleanup needs them so that links
// tagged by a since-disabled network are still recognised.
func (r *AffiliateRegistry) AllNetworks() []models.AffiliateNetwork {
	return r.networks
}

func (r *AffiliateRegistry) Network(id string) (models.AffiliateNetwork, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// RateFor returns the effective commission rate and priority of a network for
// a category. The override is used when one exists, the base rate otherwise.
func (r *AffiliateRegistry) RateFor(category, networkID string) (rate float64, priority int, overridden bool) {
	n, ok := r.byID[networkID]
	if !ok {
		return 0, 0, false
	}
	if o, ok := r.rates[rateKey{category: categoryKey(category), network: networkID}]; ok {
		return o.Rate, o.Priority, true
	}
	return n.BaseRate, n.Priority, false
}

// Page returns the profile for a destination page. Unknown pages get an
// unrestricted product profile.
func (r *AffiliateRegistry) Page(slug string) (models.PageProfile, bool) {
	if p, ok := r.pages[slug]; ok {
		return p, true
	}
	return models.PageProfile{Slug: slug, ContentType: models.ContentTypeProduct}, false
}

// ExpiryFor computes expires_at for a listing first seen on page at seenAt.
func (r *AffiliateRegistry) ExpiryFor(page string, seenAt time.Time, defaultTTL time.Duration) *time.Time {
	profile, _ := r.Page(page)
	if profile.NoExpiry {
		return nil
	}
	ttl := profile.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return nil
	}
	t := seenAt.Add(ttl).UTC()
	return &t
}

// Fallback returns the deliberate substitutions for a category, falling back
// to the General entry.
func (r *AffiliateRegistry) Fallback(category string) models.CategoryFallback {
	if f, ok := r.fallbacks[categoryKey(category)]; ok {
		return f
	}
	if f, ok := r.fallbacks[categoryKey(DefaultCategory)]; ok {
		return f
	}
	return models.CategoryFallback{Category: DefaultCategory, PlaceholderTitle: "Great deal"}
}

// PlaceholderTitle is the synthesized title used when extraction found none.
func (r *AffiliateRegistry) PlaceholderTitle(category string) string {
	f := r.Fallback(category)
	if f.PlaceholderTitle == "" {
		return "Great deal"
	}
	if categoryKey(f.Category) == categoryKey(category) || category == "" {
		return f.PlaceholderTitle
	}
	return fmt.Sprintf("%s in %s", f.PlaceholderTitle, category)
}

// DetectCategory scores every configured category by keyword hits in title
// and text (weight 1) and URL pattern hits (weight 2). Ties go to the
// category declared first. No hits means General.
func (r *AffiliateRegistry) DetectCategory(title, text, rawURL string) string {
	haystack := strings.ToLower(title + "\n" + text)
	u := strings.ToLower(rawURL)

	best, bestScore := DefaultCategory, 0
	for _, c := range r.categories {
		score := 0
		for _, kw := range c.keywords {
			if kw.MatchString(haystack) {
				score++
			}
		}
		for _, p := range c.patterns {
			if u != "" && strings.Contains(u, p) {
				score += 2
			}
		}
		if score > bestScore {
			best, bestScore = c.name, score
		}
	}
	return best
}

func categoryKey(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
