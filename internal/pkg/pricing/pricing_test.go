package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func fp(f float64) *float64 { return &f }
func ip(i int) *int         { return &i }

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"₹1,299", "1299", false},
		{"Rs. 499/-", "499", false},
		{"₹1.2k", "1200", false},
		{"1,29,999", "129999", false},
		{"M.R.P.: ₹1,999.00", "1999", false},
		{"₹0", "", true},
		{"price on request", "", true},
		{"₹99999999", "", true},
	}

	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) = %s, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("ParseAmount(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginal_RoundsToUnit(t *testing.T) {
	got, err := DeriveOriginal(decimal.NewFromInt(1499), 40)
	if err != nil {
		t.Fatalf("DeriveOriginal: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(2498)) {
		t.Errorf("DeriveOriginal(1499, 40) = %s, want 2498", got)
	}

	for _, pct := range []int{0, 100, -5} {
		if _, err := DeriveOriginal(decimal.NewFromInt(100), pct); err == nil {
			t.Errorf("DeriveOriginal with %d%% expected error", pct)
		}
	}
}

func TestDiscountPercentAndConsistency(t *testing.T) {
	c, o := decimal.NewFromInt(1499), decimal.NewFromInt(2498)
	if got := DiscountPercent(c, o); got != 40 {
		t.Errorf("DiscountPercent = %d, want 40", got)
	}
	if !Consistent(c, o, 41) || !Consistent(c, o, 39) {
		t.Error("discounts within one point should be consistent")
	}
	if Consistent(c, o, 42) {
		t.Error("discount two points off should not be consistent")
	}
}

func TestFromText(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		price    string
		original string
		discount int
		isRange  bool
	}{
		{"price with percentage", "Boat Airdopes 141 at just ₹1499 ... 40% off", "1499", "", 40, false},
		{"adjacent pair", "Noise Buds\n₹1,299 ₹4,490", "1299", "4490", 0, false},
		{"labelled deal and reg", "Deal @ ₹499 Reg @ ₹999", "499", "999", 0, false},
		{"list price before price", "List Price: ₹2,999 Price: ₹1,499", "1499", "2999", 0, false},
		{"mrp without currency", "Mamaearth kit MRP 999 now ₹599", "599", "999", 0, false},
		{"range", "Shirts from ₹499 - ₹999", "499", "", 0, true},
		{"absolute saving", "Now ₹799, save ₹200 today", "799", "999", 0, false},
		{"k suffix", "Laptop ₹45k only", "45000", "", 0, false},
		{"first is current even when larger", "₹999 ₹499", "999", "499", 0, false},
		{"cashback is not a discount", "Get 10% cashback, deal at ₹999", "999", "", 0, false},
		{"cashback beside a real discount", "Get 10% cashback, flat 25% off at ₹750", "750", "", 25, false},
		{"prefixed discount", "Get 30% on Noise watches, now ₹1,399", "1399", "", 30, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromText(tc.text)
			if got.Price == nil {
				t.Fatalf("FromText(%q) found no price", tc.text)
			}
			if !got.Price.Equal(decimal.RequireFromString(tc.price)) {
				t.Errorf("price = %s, want %s", got.Price, tc.price)
			}
			if tc.original == "" {
				if got.Original != nil {
					t.Errorf("original = %s, want none", got.Original)
				}
			} else if got.Original == nil || !got.Original.Equal(decimal.RequireFromString(tc.original)) {
				t.Errorf("original = %v, want %s", got.Original, tc.original)
			}
			if tc.discount == 0 {
				if got.Discount != nil {
					t.Errorf("discount = %d, want none", *got.Discount)
				}
			} else if got.Discount == nil || *got.Discount != tc.discount {
				t.Errorf("discount = %v, want %d", got.Discount, tc.discount)
			}
			if got.Range != tc.isRange {
				t.Errorf("range = %v, want %v", got.Range, tc.isRange)
			}
		})
	}
}

func TestFromText_NoPrice(t *testing.T) {
	for _, text := range []string{"", "Offers 20 units left", "Great 40 pieces"} {
		if got := FromText(text); got.Found() {
			t.Errorf("FromText(%q) found price %s", text, got.Price)
		}
	}
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name     string
		in       Set
		price    *float64
		original *float64
		discount *int
		conflict bool
	}{
		{"derive original from discount", Set{Price: fp(1499), Discount: ip(40)}, fp(1499), fp(2498), ip(40), false},
		{"original below price is a conflict", Set{Price: fp(500), Original: fp(400), Discount: ip(20)}, fp(500), nil, nil, true},
		{"discount computed from prices", Set{Price: fp(1299), Original: fp(4490)}, fp(1299), fp(4490), ip(71), false},
		{"inconsistent discount replaced", Set{Price: fp(100), Original: fp(200), Discount: ip(45)}, fp(100), fp(200), ip(50), false},
		{"explicit discount within tolerance kept", Set{Price: fp(100), Original: fp(200), Discount: ip(49)}, fp(100), fp(200), ip(49), false},
		{"derive current from original", Set{Original: fp(1000), Discount: ip(20)}, fp(800), fp(1000), ip(20), false},
		{"rounding to zero percent drops discount", Set{Price: fp(999.4), Original: fp(1000)}, fp(999.4), fp(1000), nil, false},
		{"equal prices carry no discount", Set{Price: fp(300), Original: fp(300), Discount: ip(10)}, fp(300), nil, nil, false},
		{"no price at all", Set{Discount: ip(30)}, nil, nil, nil, false},
		{"out of range discount ignored", Set{Price: fp(250), Discount: ip(100)}, fp(250), nil, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconcile(tc.in)
			if !eqFloat(got.Price, tc.price) {
				t.Errorf("price = %v, want %v", deref(got.Price), deref(tc.price))
			}
			if !eqFloat(got.Original, tc.original) {
				t.Errorf("original = %v, want %v", deref(got.Original), deref(tc.original))
			}
			if !eqInt(got.Discount, tc.discount) {
				t.Errorf("discount = %v, want %v", got.Discount, tc.discount)
			}
			if got.Conflict != tc.conflict {
				t.Errorf("conflict = %v, want %v", got.Conflict, tc.conflict)
			}
		})
	}
}

func TestReconcile_DiscountInvariant(t *testing.T) {
	prices := []float64{49, 199, 999, 1499, 2599.5}
	originals := []float64{99, 250, 1999, 2498, 5999}
	for _, p := range prices {
		for _, o := range originals {
			got := Reconcile(Set{Price: fp(p), Original: fp(o), Discount: ip(33)})
			if got.Discount == nil {
				continue
			}
			if !ValidDiscount(*got.Discount) {
				t.Fatalf("discount %d out of range for %v/%v", *got.Discount, p, o)
			}
			if got.Original == nil {
				t.Fatalf("discount without original for %v/%v", p, o)
			}
			if !Consistent(decimal.NewFromFloat(*got.Price), decimal.NewFromFloat(*got.Original), *got.Discount) {
				t.Errorf("inconsistent discount %d for %v/%v", *got.Discount, p, o)
			}
		}
	}
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
