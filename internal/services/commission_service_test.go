package services

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"net/url"
	"strings"
	"testing"
)

func defaultOptimizer(t *testing.T) *CommissionOptimizer {
	t.Helper()
	registry, err := LoadRegistry("", logger.NewNop())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	return NewCommissionOptimizer(registry, logger.NewNop())
}

func TestSelect_CategoryOverrideBeatsBaseRate(t *testing.T) {
	registry, err := NewAffiliateRegistry(RegistryFile{
		Networks: []models.AffiliateNetwork{
			{ID: "a", Name: "A", Kind: models.NetworkKindRedirector, BaseRate: 4, Priority: 50, Active: true, RedirectTemplate: "https://a.example/r?u={url}"},
			{ID: "b", Name: "B", Kind: models.NetworkKindRedirector, BaseRate: 3, Priority: 50, Active: true, RedirectTemplate: "https://b.example/r?u={url}"},
		},
		CategoryRates: []models.CategoryCommissionRate{
			{Category: "Gadgets", NetworkID: "a", Rate: 5, Priority: 50, Active: true},
			{Category: "Gadgets", NetworkID: "b", Rate: 8, Priority: 50, Active: true},
		},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewAffiliateRegistry: %v", err)
	}
	o := NewCommissionOptimizer(registry, logger.NewNop())

	got, err := o.Select("Gadgets", PlatformGeneric, "home")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Network.ID != "b" || got.Rate != 8 {
		t.Errorf("Select = %s at %v, want b at 8", got.Network.ID, got.Rate)
	}

	// Without overrides the base rates decide.
	got, _ = o.Select("Books", PlatformGeneric, "home")
	if got.Network.ID != "a" {
		t.Errorf("Select(Books) = %s, want a", got.Network.ID)
	}
}

func TestSelect_TieBreaksByPriorityThenID(t *testing.T) {
	registry, err := NewAffiliateRegistry(RegistryFile{
		Networks: []models.AffiliateNetwork{
			{ID: "zeta", Kind: models.NetworkKindRedirector, BaseRate: 5, Priority: 90, Active: true, RedirectTemplate: "https://z.example/?url={url}"},
			{ID: "beta", Kind: models.NetworkKindRedirector, BaseRate: 5, Priority: 70, Active: true, RedirectTemplate: "https://b.example/?url={url}"},
			{ID: "alpha", Kind: models.NetworkKindRedirector, BaseRate: 5, Priority: 70, Active: true, RedirectTemplate: "https://a.example/?url={url}"},
		},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewAffiliateRegistry: %v", err)
	}
	o := NewCommissionOptimizer(registry, logger.NewNop())

	got, _ := o.Select("General", PlatformGeneric, "home")
	if got.Network.ID != "zeta" {
		t.Errorf("Select = %s, want zeta (higher priority)", got.Network.ID)
	}

	restricted, _ := NewAffiliateRegistry(RegistryFile{
		Networks: registryNetworks(registry),
		Pages:    []models.PageProfile{{Slug: "low", AllowedNetworks: []string{"alpha", "beta"}}},
	}, logger.NewNop())
	got, _ = NewCommissionOptimizer(restricted, logger.NewNop()).Select("General", PlatformGeneric, "low")
	if got.Network.ID != "alpha" {
		t.Errorf("Select = %s, want alpha (id order)", got.Network.ID)
	}
}

func registryNetworks(r *AffiliateRegistry) []models.AffiliateNetwork {
	return append([]models.AffiliateNetwork(nil), r.AllNetworks()...)
}

func TestSelect_DefaultRegistry(t *testing.T) {
	o := defaultOptimizer(t)

	cases := []struct {
		name     string
		category string
		platform string
		page     string
		want     string
		fallback bool
	}{
		{"beauty goes to nykaa override", "Health & Beauty", "nykaa", "home", "nykaa", false},
		{"fashion on myntra", "Fashion & Clothing", "myntra", "home", "myntra", false},
		{"prime picks only allows amazon", "Electronics & Gadgets", "amazon", "prime-picks", "amazon", false},
		{"cue picks wraps with cuelinks", "General", "amazon", "cue-picks", "cuelinks", false},
		{"unknown retailer uses universal network", "General", PlatformGeneric, "home", "earnkaro", false},
		{"prime picks with a flipkart link falls back", "General", "flipkart", "prime-picks", "earnkaro", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := o.Select(tc.category, tc.platform, tc.page)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if got.Network.ID != tc.want || got.Fallback != tc.fallback {
				t.Errorf("Select = %s (fallback %v), want %s (fallback %v)", got.Network.ID, got.Fallback, tc.want, tc.fallback)
			}
		})
	}
}

func TestSelect_NoActiveNetworks(t *testing.T) {
	registry, err := NewAffiliateRegistry(RegistryFile{
		Networks: []models.AffiliateNetwork{
			{ID: "off", Kind: models.NetworkKindRedirector, BaseRate: 5, RedirectTemplate: "https://o.example/?url={url}"},
		},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewAffiliateRegistry: %v", err)
	}
	_, err = NewCommissionOptimizer(registry, logger.NewNop()).Select("General", PlatformGeneric, "home")
	if !errors.Is(err, models.ErrNoEligibleNetwork) {
		t.Errorf("err = %v, want ErrNoEligibleNetwork", err)
	}
}

func TestRewrite_IsIdempotent(t *testing.T) {
	o := defaultOptimizer(t)
	urls := []string{
		"https://www.amazon.in/dp/B09N3ZNHTY",
		"https://www.amazon.in/dp/B09N3ZNHTY?th=1&psc=1",
		"https://www.amazon.in/dp/B09N3ZNHTY?tag=someoneelse-21",
		"https://www.flipkart.com/boat-airdopes/p/itm123?pid=ACCG",
		"https://www.myntra.com/jeans/levis/123/buy",
		"https://shop.example.com/p/kettle?color=red",
	}

	for _, n := range o.registry.Networks() {
		for _, raw := range urls {
			once, err := o.Rewrite(n, raw)
			if err != nil {
				t.Fatalf("Rewrite(%s, %s): %v", n.ID, raw, err)
			}
			twice, err := o.Rewrite(n, once)
			if err != nil {
				t.Fatalf("Rewrite(%s, %s) second pass: %v", n.ID, once, err)
			}
			if once != twice {
				t.Errorf("%s: Rewrite not idempotent for %s:\n once  %s\n twice %s", n.ID, raw, once, twice)
			}
		}
	}
}

func TestRewrite_ParamNetworkReplacesForeignTag(t *testing.T) {
	o := defaultOptimizer(t)
	amazon, _ := o.registry.Network("amazon")

	got, err := o.Rewrite(amazon, "https://www.amazon.in/dp/B09N3ZNHTY?tag=someoneelse-21")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if tags := q["tag"]; len(tags) != 1 || tags[0] != "pickntrust03-21" {
		t.Errorf("tag = %v, want exactly our tag", tags)
	}
	if q.Get("linkCode") != "as2" {
		t.Errorf("linkCode = %q, want as2", q.Get("linkCode"))
	}
}

func TestRewrite_RedirectorWrapsOnce(t *testing.T) {
	o := defaultOptimizer(t)
	earnkaro, _ := o.registry.Network("earnkaro")
	cuelinks, _ := o.registry.Network("cuelinks")

	target := "https://www.flipkart.com/boat-airdopes/p/itm123?pid=ACCG"
	viaCue, _ := o.Rewrite(cuelinks, target)
	got, err := o.Rewrite(earnkaro, viaCue)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	want := "https://earnkaro.com/api/redirect?url=" + url.QueryEscape(target)
	if got != want {
		t.Errorf("Rewrite = %s, want %s", got, want)
	}
	if strings.Count(got, "linksredirect") != 0 {
		t.Errorf("Rewrite kept the previous redirector: %s", got)
	}
}

func TestOptimize_ProducesTrackedURL(t *testing.T) {
	o := defaultOptimizer(t)
	sel, err := o.Optimize("Electronics & Gadgets", "amazon", "prime-picks", "https://www.amazon.in/dp/B09N3ZNHTY")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sel.Network.ID != "amazon" || !strings.Contains(sel.AffiliateURL, "tag=pickntrust03-21") {
		t.Errorf("Optimize = %+v", sel)
	}

	if _, err := o.Optimize("General", "amazon", "home", "not a url"); err == nil {
		t.Error("Optimize accepted a relative URL")
	}
}
