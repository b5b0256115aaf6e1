package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const amazonPage = `<html><head><title>Amazon.in: boAt Airdopes 141</title></head><body>
<span id="productTitle">  boAt Airdopes 141 Bluetooth TWS Earbuds  </span>
<div id="corePriceDisplay_desktop_feature_div">
  <span class="a-price"><span class="a-offscreen">₹1,499</span><span class="a-price-whole">1,499</span></span>
  <span class="a-price a-text-price"><span class="a-offscreen">₹2,499</span></span>
</div>
<img id="landingImage" src="https://m.media-amazon.com/images/I/51abc._SX38_.jpg"
     data-old-hires="https://m.media-amazon.com/images/I/61abc._SL1500_.jpg">
<span id="acrPopover"><span class="a-icon-alt">4.1 out of 5 stars</span></span>
<span id="acrCustomerReviewText">12,345 ratings</span>
</body></html>`

func newTestExtractor(t *testing.T) *ContentExtractor {
	t.Helper()
	registry, err := LoadRegistry("", logger.NewNop())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	e, err := NewContentExtractor(config.ScraperConfig{
		UserAgent:      "dealflow-test",
		Timeout:        2 * time.Second,
		MaxConcurrency: 2,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	}, "INR", registry, logger.NewNop())
	if err != nil {
		t.Fatalf("NewContentExtractor: %v", err)
	}
	return e
}

func floatVal(p *float64) float64 {
	if p == nil {
		return -1
	}
	return *p
}

func TestExtractHTML_PlatformSelectors(t *testing.T) {
	e := newTestExtractor(t)
	u := "https://www.amazon.in/dp/B09N3ZNHTY"
	got := e.ExtractHTML(ExtractInput{URL: u, Platform: DetectPlatform(u)}, strings.NewReader(amazonPage))

	if got.Title != "boAt Airdopes 141 Bluetooth TWS Earbuds" {
		t.Errorf("Title = %q", got.Title)
	}
	if floatVal(got.Price) != 1499 || floatVal(got.OriginalPrice) != 2499 {
		t.Errorf("prices = %v / %v, want 1499 / 2499", floatVal(got.Price), floatVal(got.OriginalPrice))
	}
	if got.Discount == nil || *got.Discount != 40 {
		t.Errorf("Discount = %v, want 40", got.Discount)
	}
	if got.ImageURL != "https://m.media-amazon.com/images/I/61abc._SL1500_.jpg" {
		t.Errorf("ImageURL = %q, want the high resolution image", got.ImageURL)
	}
	if floatVal(got.Rating) != 4.1 || got.ReviewCount == nil || *got.ReviewCount != 12345 {
		t.Errorf("rating = %v reviews = %v", floatVal(got.Rating), got.ReviewCount)
	}
	if got.Stages["title"] != models.StagePlatformSelector || got.Stages["price"] != models.StagePlatformSelector {
		t.Errorf("Stages = %v, want platform selector for title and price", got.Stages)
	}
	if got.ProductID != "B09N3ZNHTY" || got.Degraded || len(got.Failures) != 0 {
		t.Errorf("result = %+v, want clean extraction", got)
	}
}

func TestExtractHTML_GenericStructuredData(t *testing.T) {
	page := `<html><head>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Product","name":"Prestige Iris 750W Mixer Grinder",
"image":["https://cdn.example.com/img/mixer-800.jpg"],"offers":{"@type":"Offer","price":"2199","priceCurrency":"INR"},
"aggregateRating":{"@type":"AggregateRating","ratingValue":"4.2","reviewCount":"1520"}}</script>
</head><body><span class="old-price">₹3,999</span></body></html>`

	got := newTestExtractor(t).ExtractHTML(ExtractInput{URL: "https://shop.example.com/p/1"}, strings.NewReader(page))

	if got.Title != "Prestige Iris 750W Mixer Grinder" || got.Stages["title"] != models.StageGenericSelector {
		t.Errorf("Title = %q (stage %s)", got.Title, got.Stages["title"])
	}
	if floatVal(got.Price) != 2199 || floatVal(got.OriginalPrice) != 3999 {
		t.Errorf("prices = %v / %v, want 2199 / 3999", floatVal(got.Price), floatVal(got.OriginalPrice))
	}
	if got.ImageURL != "https://cdn.example.com/img/mixer-800.jpg" {
		t.Errorf("ImageURL = %q", got.ImageURL)
	}
	if floatVal(got.Rating) != 4.2 || got.ReviewCount == nil || *got.ReviewCount != 1520 {
		t.Errorf("rating = %v reviews = %v", floatVal(got.Rating), got.ReviewCount)
	}
}

func TestExtractHTML_MetadataFallback(t *testing.T) {
	page := `<html><head>
<meta property="og:title" content="Levi&#39;s Men&#39;s Slim Fit Jeans | Myntra">
<meta property="og:image" content="https://assets.example.com/jeans.jpg">
<meta property="product:price:amount" content="1799">
</head><body><div>nothing useful</div></body></html>`

	got := newTestExtractor(t).ExtractHTML(ExtractInput{URL: "https://shop.example.com/jeans"}, strings.NewReader(page))

	if got.Title != "Levi's Men's Slim Fit Jeans" || got.Stages["title"] != models.StageMetadata {
		t.Errorf("Title = %q (stage %s)", got.Title, got.Stages["title"])
	}
	if floatVal(got.Price) != 1799 || got.Stages["price"] != models.StageMetadata {
		t.Errorf("Price = %v (stage %s)", floatVal(got.Price), got.Stages["price"])
	}
	if got.ImageURL != "https://assets.example.com/jeans.jpg" {
		t.Errorf("ImageURL = %q", got.ImageURL)
	}
}

func TestExtractHTML_PriceConflictDropsOriginal(t *testing.T) {
	page := `<html><body><h1 class="product-title">Wildcraft Trekking Backpack</h1>
<span class="sale-price">₹999</span><span class="old-price">₹499</span></body></html>`

	got := newTestExtractor(t).ExtractHTML(ExtractInput{URL: "https://shop.example.com/bag"}, strings.NewReader(page))

	if floatVal(got.Price) != 999 {
		t.Errorf("Price = %v, want 999", floatVal(got.Price))
	}
	if got.OriginalPrice != nil || got.Discount != nil {
		t.Errorf("original = %v discount = %v, want both dropped", got.OriginalPrice, got.Discount)
	}
	if !got.PriceConflict || !got.HasFailure(models.FailureInvalidPrice) {
		t.Errorf("PriceConflict = %v failures = %v", got.PriceConflict, got.Failures)
	}
}

func TestExtractHTML_SynthesizesTitleWhenNothingFound(t *testing.T) {
	got := newTestExtractor(t).ExtractHTML(ExtractInput{URL: "https://shop.example.com/x"}, strings.NewReader(`<html><body><p>42</p></body></html>`))

	if !got.TitleSynthesized || got.Title == "" || got.Stages["title"] != models.StageSynthesized {
		t.Errorf("result = %+v, want a synthesized title", got)
	}
	if !got.Degraded || !got.HasFailure(models.FailureNoSelectorMatch) {
		t.Errorf("Degraded = %v failures = %v", got.Degraded, got.Failures)
	}
}

func TestExtract_FetchesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><meta property="og:image" content="/img/kettle.jpg"></head>
<body><h1 class="product-title">Pigeon Electric Kettle 1.5L</h1><span class="price">₹649</span></body></html>`)
	}))
	defer srv.Close()

	got := newTestExtractor(t).Extract(context.Background(), ExtractInput{URL: srv.URL + "/kettle"})

	if got.Title != "Pigeon Electric Kettle 1.5L" || floatVal(got.Price) != 649 {
		t.Errorf("result = %+v", got)
	}
	if got.ImageURL != srv.URL+"/img/kettle.jpg" {
		t.Errorf("ImageURL = %q, want it resolved against the page", got.ImageURL)
	}
	if len(got.Failures) != 0 {
		t.Errorf("Failures = %v, want none", got.Failures)
	}
}

func TestExtract_NetworkFailureFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	unreachable := srv.URL + "/p/1"
	srv.Close()

	text := "🔥 boAt Airdopes 141 at ₹1499\nFlat 40% off\nhttps://amzn.to/3xyz"
	got := newTestExtractor(t).Extract(context.Background(), ExtractInput{URL: unreachable, Text: text})

	if !got.HasFailure(models.FailureNetworkError) {
		t.Errorf("Failures = %v, want network_error", got.Failures)
	}
	if got.Title != "boAt Airdopes 141" || got.Stages["title"] != models.StageText {
		t.Errorf("Title = %q (stage %s)", got.Title, got.Stages["title"])
	}
	if floatVal(got.Price) != 1499 || floatVal(got.OriginalPrice) != 2498 {
		t.Errorf("prices = %v / %v, want 1499 / 2498", floatVal(got.Price), floatVal(got.OriginalPrice))
	}
	if got.Discount == nil || *got.Discount != 40 {
		t.Errorf("Discount = %v, want 40", got.Discount)
	}
	if got.Stages["original_price"] != models.StageDerived {
		t.Errorf("original stage = %s, want derived", got.Stages["original_price"])
	}
}

func TestExtract_HTTPErrorIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	got := newTestExtractor(t).Extract(context.Background(), ExtractInput{URL: srv.URL + "/gone"})
	if !got.HasFailure(models.FailureNetworkError) || !got.TitleSynthesized {
		t.Errorf("result = %+v, want network failure with a synthesized title", got)
	}
}

func TestTitleFromText(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"🔥 boAt Airdopes 141 at ₹1,299 (MRP ₹4,490) 71% off", "boAt Airdopes 141"},
		{"Deal: Samsung Galaxy M14 5G @ ₹12,999\nhttps://amzn.to/abc", "Samsung Galaxy M14 5G"},
		{"https://amzn.to/abc\n₹499 only\nNivea Men Face Wash 100ml", "Nivea Men Face Wash 100ml"},
		{"#deals #amazon\nPhilips Trimmer BT1232", "Philips Trimmer BT1232"},
		{"Only ₹299!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := TitleFromText(tc.text); got != tc.want {
			t.Errorf("TitleFromText(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestQualifyingImage(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"https://m.media-amazon.com/images/I/61abc._SL1500_.jpg", true},
		{"https://m.media-amazon.com/images/I/61abc._SS40_.jpg", false},
		{"https://via.placeholder.com/300x300", false},
		{"https://cdn.example.com/api/placeholder/400/300", false},
		{"https://images.unsplash.com/photo-123", false},
		{"https://cdn.example.com/p.jpg?w=50", false},
		{"https://cdn.example.com/p.jpg?w=800", true},
		{"https://cdn.example.com/sprite.svg", false},
		{"data:image/png;base64,AAAA", false},
		{"ftp://cdn.example.com/p.jpg", false},
	}
	for _, tc := range cases {
		if _, got := QualifyingImage(tc.raw, nil); got != tc.want {
			t.Errorf("QualifyingImage(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText("<b>Mega</b>   deal <script>alert(1)</script>&amp; more")
	if got != "Mega deal & more" {
		t.Errorf("SanitizeText = %q", got)
	}
}
