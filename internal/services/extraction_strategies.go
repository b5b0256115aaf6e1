package services

import (
	"dealflow-pipeline/internal/models"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageFields holds raw string candidates found by one strategy. Empty means
// the strategy found nothing for that field.
type pageFields struct {
	Title         string
	Description   string
	Price         string
	OriginalPrice string
	Discount      string
	Image         string
	Rating        string
	ReviewCount   string
}

// ExtractionStrategy is one layer of the page fallback chain.
type ExtractionStrategy interface {
	Name() string
	Stage() models.ExtractionStage
	Extract(doc *goquery.Selection, base *url.URL) pageFields
}

// selectorStrategy reads fields from ordered CSS selector lists; the first
// selector yielding a value wins.
type selectorStrategy struct {
	name          string
	stage         models.ExtractionStage
	title         []string
	description   []string
	price         []string
	originalPrice []string
	discount      []string
	image         []string
	rating        []string
	reviewCount   []string
}

func (s selectorStrategy) Name() string                  { return s.name }
func (s selectorStrategy) Stage() models.ExtractionStage { return s.stage }

func (s selectorStrategy) Extract(doc *goquery.Selection, base *url.URL) pageFields {
	return pageFields{
		Title:         firstText(doc, s.title),
		Description:   firstText(doc, s.description),
		Price:         firstText(doc, s.price),
		OriginalPrice: firstText(doc, s.originalPrice),
		Discount:      firstText(doc, s.discount),
		Image:         firstImage(doc, s.image, base),
		Rating:        firstText(doc, s.rating),
		ReviewCount:   firstText(doc, s.reviewCount),
	}
}

// jsonLDStrategy wraps the generic selectors with schema.org Product data.
type jsonLDStrategy struct {
	selectors selectorStrategy
}

func (s jsonLDStrategy) Name() string                  { return "generic" }
func (s jsonLDStrategy) Stage() models.ExtractionStage { return models.StageGenericSelector }

func (s jsonLDStrategy) Extract(doc *goquery.Selection, base *url.URL) pageFields {
	f := productFromJSONLD(doc, base)
	sel := s.selectors.Extract(doc, base)
	fill(&f.Title, sel.Title)
	fill(&f.Description, sel.Description)
	fill(&f.Price, sel.Price)
	fill(&f.OriginalPrice, sel.OriginalPrice)
	fill(&f.Discount, sel.Discount)
	fill(&f.Image, sel.Image)
	fill(&f.Rating, sel.Rating)
	fill(&f.ReviewCount, sel.ReviewCount)
	return f
}

// metadataStrategy reads Open Graph, Twitter card and plain meta tags.
type metadataStrategy struct{}

func (metadataStrategy) Name() string                  { return "metadata" }
func (metadataStrategy) Stage() models.ExtractionStage { return models.StageMetadata }

func (metadataStrategy) Extract(doc *goquery.Selection, base *url.URL) pageFields {
	return pageFields{
		Title: firstText(doc, []string{
			`meta[property="og:title"]`,
			`meta[name="twitter:title"]`,
			`title`,
		}),
		Description: firstText(doc, []string{
			`meta[property="og:description"]`,
			`meta[name="twitter:description"]`,
			`meta[name="description"]`,
		}),
		Price: firstText(doc, []string{
			`meta[property="product:price:amount"]`,
			`meta[property="og:price:amount"]`,
		}),
		Image: firstImage(doc, []string{
			`meta[property="og:image:secure_url"]`,
			`meta[property="og:image"]`,
			`meta[name="twitter:image"]`,
			`meta[name="twitter:image:src"]`,
			`link[rel="image_src"]`,
		}, base),
	}
}

var platformStrategies = map[string]ExtractionStrategy{
	"amazon": selectorStrategy{
		name:  "amazon",
		stage: models.StagePlatformSelector,
		title: []string{"#productTitle", "#title", "#btAsinTitle"},
		price: []string{
			"#priceblock_dealprice",
			"#priceblock_ourprice",
			"#corePrice_feature_div .a-price:not(.a-text-price) .a-offscreen",
			"#corePriceDisplay_desktop_feature_div .a-price:not(.a-text-price) .a-offscreen",
			".a-price:not(.a-text-price) .a-offscreen",
			".a-price-whole",
		},
		originalPrice: []string{
			"#priceblock_listprice",
			".basisPrice .a-offscreen",
			".a-price.a-text-price .a-offscreen",
		},
		discount:    []string{".savingsPercentage"},
		image:       []string{"#landingImage", "#imgBlkFront", "#main-image", "#imgTagWrapperId img"},
		rating:      []string{"#acrPopover .a-icon-alt", `span[data-hook="rating-out-of-text"]`},
		reviewCount: []string{"#acrCustomerReviewText"},
		description: []string{"#feature-bullets ul", "#productDescription"},
	},
	"flipkart": selectorStrategy{
		name:          "flipkart",
		stage:         models.StagePlatformSelector,
		title:         []string{".B_NuCI", ".VU-ZEz", "h1 span"},
		price:         []string{"._30jeq3._16Jk6d", "._30jeq3", ".Nx9bqj.CxhGGd", ".Nx9bqj"},
		originalPrice: []string{"._3I9_wc._2p6lqe", "._3I9_wc", ".yRaY8j"},
		discount:      []string{"._3Ay6Sb span", ".UkUFwK span"},
		image:         []string{"._396cs4", "._2r_T1I", "img.DByuf4"},
		rating:        []string{"._3LWZlK", ".XQDdHH"},
		reviewCount:   []string{"._2_R_DZ span", ".Wphh3N span"},
		description:   []string{"._1mXcCf", "._4gvKMe"},
	},
	"myntra": selectorStrategy{
		name:          "myntra",
		stage:         models.StagePlatformSelector,
		title:         []string{".pdp-name", ".pdp-title"},
		price:         []string{".pdp-price strong", ".pdp-price"},
		originalPrice: []string{".pdp-mrp s", ".pdp-mrp"},
		discount:      []string{".pdp-discount"},
		image:         []string{".image-grid-image", ".image-grid-imageContainer img"},
		rating:        []string{".index-overallRating div"},
		description:   []string{".pdp-product-description-content"},
	},
	"nykaa": selectorStrategy{
		name:          "nykaa",
		stage:         models.StagePlatformSelector,
		title:         []string{"h1.css-1gc4x7i", ".product-title", "h1"},
		price:         []string{".css-1jczs19", ".post-card__content-price-offer"},
		originalPrice: []string{".css-u05rr", ".post-card__content-price-mrp"},
		discount:      []string{".css-bhhehx"},
		image:         []string{".css-43m2vm img", "img.css-11gn9r6"},
	},
	"boat": selectorStrategy{
		name:          "boat",
		stage:         models.StagePlatformSelector,
		title:         []string{".product__title h1", "h1.product-title"},
		price:         []string{".price-item--sale", ".price__sale .price-item"},
		originalPrice: []string{".price-item--regular", "s.price-item"},
		image:         []string{".product__media img", ".product-gallery img"},
	},
	"mamaearth": selectorStrategy{
		name:          "mamaearth",
		stage:         models.StagePlatformSelector,
		title:         []string{"h1.ProductName", "h1"},
		price:         []string{".ProductPrice .SellingPrice", ".selling-price"},
		originalPrice: []string{".ProductPrice .MRP", ".mrp-price"},
		image:         []string{".ProductImage img", ".product-image img"},
	},
}

var genericStrategy = jsonLDStrategy{selectors: selectorStrategy{
	name:  "generic",
	stage: models.StageGenericSelector,
	title: []string{`h1[itemprop="name"]`, `[itemprop="name"]`, "h1.product-title", ".product-title", ".product-name", ".product_title", "h1"},
	price: []string{
		`[itemprop="price"]`,
		".price-current",
		".sale-price",
		".special-price .price",
		".product-price ins",
		".product-price",
		".price ins",
		".price",
	},
	originalPrice: []string{".price del", ".product-price del", ".old-price", ".price-old", ".was-price", ".regular-price", ".compare-at-price", ".mrp", "del", "s"},
	discount:      []string{".discount", ".discount-percent", ".save-percent"},
	image:         []string{`[itemprop="image"]`, ".product-image img", "#product-image", ".product-gallery img", ".gallery img", "main img"},
	rating:        []string{`[itemprop="ratingValue"]`, ".rating-value"},
	reviewCount:   []string{`[itemprop="reviewCount"]`, `[itemprop="ratingCount"]`},
	description:   []string{`[itemprop="description"]`, ".product-description", "#description"},
}}

// strategyChain is the page fallback order for a platform.
func strategyChain(platform string) []ExtractionStrategy {
	chain := make([]ExtractionStrategy, 0, 3)
	if s, ok := platformStrategies[platform]; ok {
		chain = append(chain, s)
	}
	return append(chain, genericStrategy, metadataStrategy{})
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func firstText(doc *goquery.Selection, selectors []string) string {
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		for _, attr := range []string{"content", "value"} {
			if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return collapseSpace(v)
			}
		}
		if v := collapseSpace(sel.Text()); v != "" {
			return v
		}
	}
	return ""
}

var (
	styleURLRe   = regexp.MustCompile(`url\(["']?([^"')]+)["']?\)`)
	imageAttrs   = []string{"data-old-hires", "data-a-dynamic-image", "data-zoom-image", "data-src", "data-lazy-src", "srcset", "src", "content", "href", "style"}
	minImageSide = 100
)

func firstImage(doc *goquery.Selection, selectors []string, base *url.URL) string {
	for _, selector := range selectors {
		found := ""
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if tooSmall(sel) {
				return true
			}
			for _, attr := range imageAttrs {
				raw, ok := sel.Attr(attr)
				if !ok || strings.TrimSpace(raw) == "" {
					continue
				}
				for _, candidate := range imageCandidates(attr, raw) {
					if u, ok := QualifyingImage(candidate, base); ok {
						found = u
						return false
					}
				}
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func imageCandidates(attr, raw string) []string {
	switch attr {
	case "data-a-dynamic-image":
		return largestDynamicImage(raw)
	case "srcset":
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for i := len(parts) - 1; i >= 0; i-- {
			fields := strings.Fields(parts[i])
			if len(fields) > 0 {
				out = append(out, fields[0])
			}
		}
		return out
	case "style":
		if m := styleURLRe.FindStringSubmatch(raw); m != nil {
			return []string{m[1]}
		}
		return nil
	default:
		return []string{raw}
	}
}

// largestDynamicImage orders the {"url": [w, h]} map by area, largest first.
func largestDynamicImage(raw string) []string {
	var sizes map[string][]int
	if err := json.Unmarshal([]byte(raw), &sizes); err != nil {
		return nil
	}
	type sized struct {
		url  string
		area int
	}
	list := make([]sized, 0, len(sizes))
	for u, wh := range sizes {
		area := 0
		if len(wh) == 2 {
			area = wh[0] * wh[1]
		}
		list = append(list, sized{u, area})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].area != list[j].area {
			return list[i].area > list[j].area
		}
		return list[i].url < list[j].url
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.url
	}
	return out
}

func tooSmall(sel *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v, ok := sel.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px")); err == nil && n > 0 && n < minImageSide {
				return true
			}
		}
	}
	return false
}

type jsonLDOffer struct {
	Price     interface{} `json:"price"`
	LowPrice  interface{} `json:"lowPrice"`
	HighPrice interface{} `json:"highPrice"`
}

type jsonLDProduct struct {
	Type            interface{}     `json:"@type"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Image           interface{}     `json:"image"`
	Offers          json.RawMessage `json:"offers"`
	AggregateRating *struct {
		RatingValue interface{} `json:"ratingValue"`
		ReviewCount interface{} `json:"reviewCount"`
		RatingCount interface{} `json:"ratingCount"`
	} `json:"aggregateRating"`
	Graph []json.RawMessage `json:"@graph"`
}

func productFromJSONLD(doc *goquery.Selection, base *url.URL) pageFields {
	var out pageFields
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var candidates []json.RawMessage
		if strings.HasPrefix(raw, "[") {
			if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
				return true
			}
		} else {
			candidates = []json.RawMessage{json.RawMessage(raw)}
		}
		for len(candidates) > 0 {
			var p jsonLDProduct
			c := candidates[0]
			candidates = candidates[1:]
			if err := json.Unmarshal(c, &p); err != nil {
				continue
			}
			candidates = append(candidates, p.Graph...)
			if !isProductType(p.Type) {
				continue
			}
			out = p.fields(base)
			return false
		}
		return true
	})
	return out
}

func (p jsonLDProduct) fields(base *url.URL) pageFields {
	f := pageFields{
		Title:       collapseSpace(p.Name),
		Description: collapseSpace(p.Description),
	}

	var offers []jsonLDOffer
	if len(p.Offers) > 0 {
		var one jsonLDOffer
		if err := json.Unmarshal(p.Offers, &one); err == nil {
			offers = append(offers, one)
		} else {
			_ = json.Unmarshal(p.Offers, &offers)
		}
	}
	for _, o := range offers {
		if v := scalar(o.Price); v != "" {
			f.Price = v
			break
		}
		if v := scalar(o.LowPrice); v != "" {
			f.Price = v
			break
		}
	}

	switch img := p.Image.(type) {
	case string:
		if u, ok := QualifyingImage(img, base); ok {
			f.Image = u
		}
	case []interface{}:
		for _, item := range img {
			if s, ok := item.(string); ok {
				if u, ok := QualifyingImage(s, base); ok {
					f.Image = u
					break
				}
			}
		}
	case map[string]interface{}:
		if s, ok := img["url"].(string); ok {
			if u, ok := QualifyingImage(s, base); ok {
				f.Image = u
			}
		}
	}

	if p.AggregateRating != nil {
		f.Rating = scalar(p.AggregateRating.RatingValue)
		f.ReviewCount = scalar(p.AggregateRating.ReviewCount)
		if f.ReviewCount == "" {
			f.ReviewCount = scalar(p.AggregateRating.RatingCount)
		}
	}
	return f
}

func isProductType(t interface{}) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "Product")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

func scalar(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

var (
	placeholderHosts = []string{
		"via.placeholder.com", "placehold.it", "placehold.co", "placeholder.com", "dummyimage.com",
		"images.unsplash.com", "source.unsplash.com", "images.pexels.com", "shutterstock.com", "istockphoto.com", "gettyimages.com",
	}
	placeholderMarkers = []string{"placeholder", "/api/placeholder/", "no-image", "noimage", "default-image", "spacer.gif", "transparent-pixel", "grey-pixel"}
	thumbnailRe        = regexp.MustCompile(`(?i)(?:\._(?:SX|SY|SS|SL|AC_SX|AC_SY|AC_SL|AC_UL|AC_US)(\d+)_|[?&](?:w|width|h|height)=(\d+)\b|/thumbs?/|[-_]thumb(?:nail)?[-_.])`)
)

// QualifyingImage resolves raw against base and rejects placeholder or stock
// hosts, data URIs, vector/sprite formats and thumbnail-sized assets.
func QualifyingImage(raw string, base *url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme == "" && strings.HasPrefix(raw, "//") {
		u.Scheme = "https"
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}

	host := CanonicalDomain(u.Hostname())
	if hostMatches(host, placeholderHosts) {
		return "", false
	}
	lower := strings.ToLower(u.String())
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return "", false
		}
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".svg") || strings.HasSuffix(path, ".gif") || strings.HasSuffix(path, ".ico") {
		return "", false
	}
	if m := thumbnailRe.FindStringSubmatch(u.String()); m != nil {
		size := m[1]
		if size == "" {
			size = m[2]
		}
		if size == "" {
			return "", false
		}
		if n, err := strconv.Atoi(size); err == nil && n < minImageSide {
			return "", false
		}
	}
	return u.String(), true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
