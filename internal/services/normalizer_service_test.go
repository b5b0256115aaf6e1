package services

import (
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"testing"
	"time"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		DefaultTTL: 72 * time.Hour,
		GradeA:     85,
		GradeB:     60,
		GradeC:     40,
		Currency:   "INR",
	}
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	registry, err := LoadRegistry("", logger.NewNop())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	return NewNormalizer(testPipelineConfig(), registry, logger.NewNop())
}

func TestNormalizer_Score(t *testing.T) {
	n := newTestNormalizer(t)
	const aff = "https://earnkaro.com/api/redirect?url=x"

	cases := []struct {
		name  string
		ext   models.ExtractionResult
		aff   string
		score int
		grade string
	}{
		{"complete", models.ExtractionResult{Title: "boAt Airdopes 141", Price: ptrFloat(1499), ImageURL: "https://img.example/a.jpg"}, aff, 100, GradeA},
		{"short title", models.ExtractionResult{Title: "Airdopes", Price: ptrFloat(1499), ImageURL: "https://img.example/a.jpg"}, aff, 85, GradeA},
		{"no image", models.ExtractionResult{Title: "boAt Airdopes 141", Price: ptrFloat(1499)}, aff, 80, GradeB},
		{"price conflict", models.ExtractionResult{Title: "boAt Airdopes 141", Price: ptrFloat(999), PriceConflict: true}, aff, 65, GradeB},
		{"placeholder with price", models.ExtractionResult{Title: "Great deal", TitleSynthesized: true, Price: ptrFloat(499)}, aff, 50, GradeC},
		{"nothing but a link", models.ExtractionResult{Title: "Great deal", TitleSynthesized: true}, aff, 20, GradeD},
		{"relative affiliate url", models.ExtractionResult{Title: "boAt Airdopes 141", Price: ptrFloat(1499)}, "/r?x", 60, GradeB},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ext := tc.ext
			got := n.Score(&ext, tc.aff)
			if got != tc.score || n.Grade(got) != tc.grade {
				t.Errorf("Score = %d (%s), want %d (%s)", got, n.Grade(got), tc.score, tc.grade)
			}
		})
	}
}

func TestNormalize_SkipsGradeD(t *testing.T) {
	n := newTestNormalizer(t)
	out := n.Normalize(NormalizeInput{
		Observation:  models.RawObservation{ID: "obs-1", DestinationPage: "home"},
		CanonicalURL: "https://shop.example.com/p/1",
		Extraction:   &models.ExtractionResult{Title: "Great deal", TitleSynthesized: true},
		Selection:    models.NetworkSelection{AffiliateURL: "https://earnkaro.com/api/redirect?url=x"},
	})
	if !out.Skip || out.Grade != GradeD || out.Candidate.Source.ObservationID != "" {
		t.Errorf("Normalize = %+v, want a skipped grade D with no candidate", out)
	}
}

func TestNormalize_BuildsCandidateWithFixes(t *testing.T) {
	n := newTestNormalizer(t)
	arrived := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	amazon, _ := n.registry.Network("amazon")

	out := n.Normalize(NormalizeInput{
		Observation: models.RawObservation{
			ID:              "obs-2",
			SourceChannelID: "telegram:prime",
			DestinationPage: "prime-picks",
			ArrivedAt:       arrived,
		},
		CanonicalURL: "https://www.amazon.in/dp/B09N3ZNHTY",
		Platform:     PlatformInfo{Platform: "amazon", ProductID: "B09N3ZNHTY", Domain: "amazon.in", Confident: true},
		Extraction: &models.ExtractionResult{
			Title:    "boAt Airdopes 141",
			Price:    ptrFloat(1499.999),
			Currency: "INR",
			Category: "Electronics & Gadgets",
		},
		Selection: models.NetworkSelection{
			Network:      amazon,
			Rate:         4,
			Priority:     85,
			AffiliateURL: "https://www.amazon.in/dp/B09N3ZNHTY?linkCode=as2&tag=pickntrust03-21",
		},
	})

	if out.Skip || out.Grade != GradeB {
		t.Fatalf("Normalize = %+v, want grade B", out)
	}
	l := out.Candidate.Listing
	if l.ImageURL != "https://static.pickntrust.com/fallback/electronics.jpg" {
		t.Errorf("ImageURL = %q, want the category fallback", l.ImageURL)
	}
	if *l.Price != 1500 {
		t.Errorf("Price = %v, want 1500 after rounding", *l.Price)
	}
	if l.ExpiresAt == nil || !l.ExpiresAt.Equal(arrived.Add(48*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want the page TTL of 48h", l.ExpiresAt)
	}
	if l.SourceChannelID != "telegram:prime" || l.Pages[0] != "prime-picks" || l.ProcessingStatus != models.StatusActive {
		t.Errorf("listing = %+v", l)
	}
	s := out.Candidate.Source
	if s.NetworkID != "amazon" || s.CommissionRate != 4 || s.ObservationID != "obs-2" || !s.Available {
		t.Errorf("source = %+v", s)
	}
	if out.Candidate.Identity.Key != "amazon:B09N3ZNHTY" {
		t.Errorf("identity key = %q", out.Candidate.Identity.Key)
	}
	if len(out.Fixes) != 2 {
		t.Errorf("Fixes = %v, want fallback image and price rounding", out.Fixes)
	}
}

func TestNormalize_NoExpiryPage(t *testing.T) {
	n := newTestNormalizer(t)
	out := n.Normalize(NormalizeInput{
		Observation:  models.RawObservation{ID: "obs-3", DestinationPage: "services", ArrivedAt: time.Now()},
		CanonicalURL: "https://service.example.com/plan",
		Platform:     PlatformInfo{Platform: PlatformGeneric, Domain: "service.example.com"},
		Extraction:   &models.ExtractionResult{Title: "Broadband Annual Plan", Price: ptrFloat(4999), ImageURL: "https://img.example/p.jpg"},
		Selection:    models.NetworkSelection{AffiliateURL: "https://earnkaro.com/api/redirect?url=x"},
	})
	l := out.Candidate.Listing
	if l.ExpiresAt != nil || l.ContentType != models.ContentTypeService {
		t.Errorf("listing = %+v, want a never-expiring service", l)
	}
}
