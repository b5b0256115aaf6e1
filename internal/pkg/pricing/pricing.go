// Package pricing parses retail prices out of scraped strings and message text
// and keeps price, original price and discount mutually consistent.
//
// All arithmetic is done in decimal; float64 only appears at the edges where
// values enter or leave the domain model.
package pricing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DiscountTolerance is the allowed gap, in percentage points, between an
	// explicit discount and the one implied by the two prices.
	DiscountTolerance = 1
)

var (
	maxPlausible = decimal.NewFromInt(10_000_000)
	hundred      = decimal.NewFromInt(100)
	thousand     = decimal.NewFromInt(1000)

	currencyToken = `(?:₹|\brs\.?|\binr|\$|€|£)`
	amountToken   = `(\d{1,3}(?:,\d{2,3})+(?:\.\d+)?|\d+(?:\.\d+)?)(\s*k\b)?`

	numberRe         = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)(\s*k\b)?`)
	currencyAmountRe = regexp.MustCompile(`(?i)` + currencyToken + `\s*` + amountToken)
	rangeRe          = regexp.MustCompile(`(?i)` + currencyToken + `\s*` + amountToken + `\s*(?:-|–|to)\s*` + currencyToken + `\s*` + amountToken)
	currentLabelRe   = regexp.MustCompile(`(?i)\b(?:deal(?:\s*price)?|offer\s*price|price|now|only|just|at)\b\s*[:@-]?\s*@?\s*` + currencyToken + `\s*` + amountToken)
	originalLabelRe  = regexp.MustCompile(`(?i)(?:\bm\.?r\.?p\.?\s*[:@-]?\s*` + currencyToken + `?|\b(?:reg(?:ular)?(?:\s*price)?|was|list\s*price|original\s*price)\b\s*[:@-]?\s*@?\s*` + currencyToken + `)\s*` + amountToken)
	discountRe       = regexp.MustCompile(`(?i)(\d{1,2}(?:\.\d+)?)\s*%\s*(?:off|discount|save|savings)`)
	discountPrefixRe = regexp.MustCompile(`(?i)\b(?:flat|upto|up\s*to|save|get)\s*(\d{1,2}(?:\.\d+)?)\s*%(?:\s*([a-z]+))?`)
	savingsRe        = regexp.MustCompile(`(?i)\b(?:save|saving|savings|you\s*save)\s*(?:of\s*)?` + currencyToken + `\s*` + amountToken + `|` + currencyToken + `\s*` + amountToken + `\s*off\b`)
)

// ParseAmount converts a price string such as "₹1,299", "Rs. 499/-" or
// "₹1.2k" into a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	m := numberRe.FindStringSubmatch(raw)
	if m == nil {
		return decimal.Zero, fmt.Errorf("no digits in %q", raw)
	}

	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	if m[2] != "" {
		d = d.Mul(thousand)
	}

	if !Plausible(d) {
		return decimal.Zero, fmt.Errorf("implausible price %s", d.String())
	}
	return d, nil
}

// Plausible rejects zero, negative and absurdly large amounts.
func Plausible(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThan(maxPlausible)
}

// RoundUnit rounds to the nearest whole currency unit.
func RoundUnit(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// DeriveOriginal computes original = current / (1 - pct/100), rounded to the
// nearest currency unit.
func DeriveOriginal(current decimal.Decimal, pct int) (decimal.Decimal, error) {
	if pct <= 0 || pct >= 100 {
		return decimal.Zero, fmt.Errorf("discount %d%% out of range", pct)
	}
	return RoundUnit(current.Mul(hundred).Div(decimal.NewFromInt(int64(100 - pct)))), nil
}

// DeriveCurrent is the inverse of DeriveOriginal.
func DeriveCurrent(original decimal.Decimal, pct int) (decimal.Decimal, error) {
	if pct <= 0 || pct >= 100 {
		return decimal.Zero, fmt.Errorf("discount %d%% out of range", pct)
	}
	return RoundUnit(original.Mul(decimal.NewFromInt(int64(100 - pct))).Div(hundred)), nil
}

// DiscountPercent returns round((original - current) / original * 100).
func DiscountPercent(current, original decimal.Decimal) int {
	if !original.IsPositive() {
		return 0
	}
	return int(original.Sub(current).Div(original).Mul(hundred).Round(0).IntPart())
}

// Consistent reports whether discount agrees with the two prices within
// DiscountTolerance.
func Consistent(current, original decimal.Decimal, discount int) bool {
	diff := DiscountPercent(current, original) - discount
	if diff < 0 {
		diff = -diff
	}
	return diff <= DiscountTolerance
}

// ValidDiscount is the persisted range 0 < d < 100.
func ValidDiscount(d int) bool {
	return d > 0 && d < 100
}

// TextPrices is what pattern extraction found in free text.
type TextPrices struct {
	Price    *decimal.Decimal
	Original *decimal.Decimal
	Discount *int
	Savings  *decimal.Decimal
	Range    bool
}

func (t TextPrices) Found() bool {
	return t.Price != nil
}

// FromText extracts prices from message text. It understands, in order of
// preference: labelled prices ("Deal @ ₹499", "MRP: ₹999"), price ranges
// ("₹499 - ₹999", lower bound wins), adjacent current/original pairs (first
// amount is current, second is original), and a single price. A percentage
// ("40% off") or an absolute saving ("save ₹500") fills in a missing original.
func FromText(text string) TextPrices {
	var out TextPrices
	if strings.TrimSpace(text) == "" {
		return out
	}

	if pct, ok := firstDiscount(text); ok {
		out.Discount = &pct
	}

	// Savings amounts are not prices; take them out before scanning.
	body := text
	if m := savingsRe.FindStringSubmatch(text); m != nil {
		amount := m[1]
		suffix := m[2]
		if amount == "" {
			amount, suffix = m[3], m[4]
		}
		if d, err := ParseAmount(amount + suffix); err == nil {
			out.Savings = &d
		}
		body = savingsRe.ReplaceAllString(text, " ")
	}

	// "List Price: ₹999" must not be read as a current "Price:" label.
	if loc := originalLabelRe.FindStringSubmatchIndex(body); loc != nil {
		if d, err := ParseAmount(body[loc[2]:loc[3]] + submatch(body, loc, 2)); err == nil {
			out.Original = &d
		}
		body = body[:loc[0]] + " " + body[loc[1]:]
	}
	if m := currentLabelRe.FindStringSubmatch(body); m != nil {
		if d, err := ParseAmount(m[1] + m[2]); err == nil {
			out.Price = &d
		}
	}

	if out.Price == nil {
		if m := rangeRe.FindStringSubmatch(body); m != nil {
			lo, errLo := ParseAmount(m[1] + m[2])
			hi, errHi := ParseAmount(m[3] + m[4])
			if errLo == nil && errHi == nil {
				if hi.LessThan(lo) {
					lo = hi
				}
				out.Price = &lo
				out.Range = true
				return out
			}
		}
	}

	amounts := currencyAmounts(body)
	if out.Price == nil && len(amounts) > 0 {
		out.Price = &amounts[0]
		amounts = amounts[1:]
	}
	if out.Original == nil && len(amounts) > 0 {
		for _, a := range amounts {
			if !a.Equal(*out.Price) {
				out.Original = &a
				break
			}
		}
	}

	if out.Original == nil && out.Price != nil && out.Savings != nil {
		o := out.Price.Add(*out.Savings)
		out.Original = &o
	}

	return out
}

func submatch(s string, loc []int, group int) string {
	if loc[2*group] < 0 {
		return ""
	}
	return s[loc[2*group]:loc[2*group+1]]
}

func currencyAmounts(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, m := range currencyAmountRe.FindAllStringSubmatch(text, -1) {
		if d, err := ParseAmount(m[1] + m[2]); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// rewardWords follow a percentage that is paid back later rather than taken
// off the price.
var rewardWords = map[string]bool{
	"cashback":   true,
	"cash":       true,
	"back":       true,
	"reward":     true,
	"rewards":    true,
	"points":     true,
	"coins":      true,
	"supercoins": true,
}

func firstDiscount(text string) (int, bool) {
	for _, re := range []*regexp.Regexp{discountRe, discountPrefixRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m) > 2 && rewardWords[strings.ToLower(m[2])] {
				continue
			}
			d, err := decimal.NewFromString(m[1])
			if err != nil {
				continue
			}
			pct := int(d.Round(0).IntPart())
			if ValidDiscount(pct) {
				return pct, true
			}
		}
	}
	return 0, false
}

// Set is the float view of a price triple used by the domain model.
type Set struct {
	Price    *float64
	Original *float64
	Discount *int
	// Conflict is set when an original price below the current price was
	// dropped.
	Conflict bool
}

// Reconcile makes a price triple internally consistent:
//   - a missing current price is derived from original and discount when possible;
//   - an original price below the current price is a conflict and is dropped
//     together with the discount;
//   - a missing original price is derived from a valid discount;
//   - the discount is recomputed from the two prices unless the explicit one
//     is within tolerance, and dropped when outside 0 < d < 100.
func Reconcile(in Set) Set {
	var out Set

	var price, original *decimal.Decimal
	if in.Price != nil {
		if d := decimal.NewFromFloat(*in.Price); Plausible(d) {
			d = d.Round(2)
			price = &d
		}
	}
	if in.Original != nil {
		if d := decimal.NewFromFloat(*in.Original); Plausible(d) {
			d = d.Round(2)
			original = &d
		}
	}
	var discount *int
	if in.Discount != nil && ValidDiscount(*in.Discount) {
		d := *in.Discount
		discount = &d
	}

	if price == nil && original != nil && discount != nil {
		if d, err := DeriveCurrent(*original, *discount); err == nil {
			price = &d
		}
	}
	if price == nil {
		return out
	}

	if original != nil {
		switch original.Cmp(*price) {
		case -1:
			out.Conflict = true
			original = nil
			discount = nil
		case 0:
			original = nil
			discount = nil
		}
	} else if discount != nil {
		if d, err := DeriveOriginal(*price, *discount); err == nil && d.GreaterThan(*price) {
			original = &d
		} else {
			discount = nil
		}
	}

	if original != nil {
		computed := DiscountPercent(*price, *original)
		if discount == nil || !Consistent(*price, *original, *discount) {
			discount = &computed
		}
		if !ValidDiscount(*discount) {
			discount = nil
		}
	}

	out.Price = toFloat(price)
	out.Original = toFloat(original)
	out.Discount = discount
	return out
}

// FromDecimal converts an optional decimal to an optional float.
func FromDecimal(d *decimal.Decimal) *float64 {
	return toFloat(d)
}

func toFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
