package services

import "testing"

func TestDetectPlatform(t *testing.T) {
	cases := []struct {
		url       string
		platform  string
		confident bool
		productID string
		shortener bool
	}{
		{"https://www.amazon.in/boAt-Airdopes-141/dp/B09N3ZNHTY?tag=x", "amazon", true, "B09N3ZNHTY", false},
		{"https://amazon.com/gp/product/B08L5VN68Y", "amazon", true, "B08L5VN68Y", false},
		{"https://amzn.to/3xYzAbC", "amazon", false, "", true},
		{"https://www.flipkart.com/noise-buds/p/itm6ac6485515ae4?pid=ACCGFH", "flipkart", true, "itm6ac6485515ae4", false},
		{"https://dl.flipkart.com/s/abc", "flipkart", false, "", true},
		{"https://www.myntra.com/tshirts/roadster/12345678/buy", "myntra", true, "12345678", false},
		{"https://www.nykaa.com/lakme-serum/p/556677", "nykaa", true, "556677", false},
		{"https://m.nykaa.com/some-product?productId=991", "nykaa", true, "991", false},
		{"https://www.boat-lifestyle.com/products/airdopes-141", "boat", true, "airdopes-141", false},
		{"https://shop.example.org/item/42", "generic", false, "", false},
		{"not a url", "generic", false, "", false},
		{"", "generic", false, "", false},
	}

	for _, tc := range cases {
		got := DetectPlatform(tc.url)
		if got.Platform != tc.platform || got.Confident != tc.confident || got.ProductID != tc.productID || got.Shortener != tc.shortener {
			t.Errorf("DetectPlatform(%q) = %+v, want platform=%s confident=%v id=%q shortener=%v",
				tc.url, got, tc.platform, tc.confident, tc.productID, tc.shortener)
		}
	}
}

func TestCanonicalDomain(t *testing.T) {
	cases := map[string]string{
		"WWW.Amazon.IN":     "amazon.in",
		"m.flipkart.com":    "flipkart.com",
		"shop.example.org.": "shop.example.org",
	}
	for in, want := range cases {
		if got := CanonicalDomain(in); got != want {
			t.Errorf("CanonicalDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
