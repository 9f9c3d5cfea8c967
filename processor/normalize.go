package processor

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// ErrParse is wrapped by every Normalize failure.
var ErrParse = errors.New("price not parseable")

// Locale carries the separators a retailer uses to print numbers.
type Locale struct {
	Tag     language.Tag
	Group   rune
	Decimal rune
}

func (l Locale) String() string {
	return l.Tag.String()
}

var (
	// LocaleDE covers de-AT, de-DE, nl, it, es and pt: 1.234,56
	LocaleDE = Locale{Tag: language.German, Group: '.', Decimal: ','}
	// LocaleCH is Swiss German: 1'234.56
	LocaleCH = Locale{Tag: language.MustParse("de-CH"), Group: '\'', Decimal: '.'}
	// LocaleFR groups with a space: 1 234,56
	LocaleFR = Locale{Tag: language.French, Group: ' ', Decimal: ','}
	// LocaleEN is the default: 1,234.56
	LocaleEN = Locale{Tag: language.English, Group: ',', Decimal: '.'}
)

// ParseLocale maps a BCP 47 tag onto its number separators. An empty tag
// yields LocaleEN.
func ParseLocale(tag string) (Locale, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return LocaleEN, nil
	}
	t, err := language.Parse(tag)
	if err != nil {
		return Locale{}, fmt.Errorf("invalid locale %q: %w", tag, err)
	}
	base, _ := t.Base()
	region, _ := t.Region()

	var loc Locale
	switch base.String() {
	case "de":
		if r := region.String(); r == "CH" || r == "LI" {
			loc = LocaleCH
		} else {
			loc = LocaleDE
		}
	case "nl", "it", "es", "pt", "da", "id":
		loc = LocaleDE
	case "fr":
		loc = LocaleFR
	default:
		loc = LocaleEN
	}
	loc.Tag = t
	return loc, nil
}

// isSeparator reports runes that may appear inside a printed number.
func isSeparator(r rune) bool {
	switch r {
	case '.', ',', '\'', '\u2019', ' ', '\u00a0', '\u202f':
		return true
	}
	return false
}

// numericRun returns the first run of digits and separators in raw. Spaces
// only continue the run when a digit follows, so "849,90 € inkl. 20%"
// yields "849,90".
func numericRun(raw string) string {
	runes := []rune(raw)
	start := -1
	for i, r := range runes {
		if unicode.IsDigit(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := start
	for end < len(runes) {
		r := runes[end]
		if unicode.IsDigit(r) {
			end++
			continue
		}
		if !isSeparator(r) {
			break
		}
		if unicode.IsSpace(r) && (end+1 >= len(runes) || !unicode.IsDigit(runes[end+1])) {
			break
		}
		end++
	}
	return string(runes[start:end])
}

// Normalize turns locale-formatted price text such as "€ 1.099,00" into a
// decimal rounded to two fractional digits.
func Normalize(raw string, loc Locale) (decimal.Decimal, error) {
	run := numericRun(raw)
	if run == "" {
		return decimal.Zero, fmt.Errorf("%w: no digits in %q", ErrParse, raw)
	}
	// "1.099,-" and "1.099," mean whole euros
	run = strings.TrimRightFunc(run, isSeparator)

	var b strings.Builder
	decimals := 0
	for _, r := range run {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == loc.Decimal:
			decimals++
			b.WriteByte('.')
		default:
			// any other separator groups thousands
		}
	}
	if decimals > 1 {
		return decimal.Zero, fmt.Errorf("%w: %q has %d decimal separators for %s", ErrParse, raw, decimals, loc)
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrParse, raw, err)
	}
	return d.Round(2), nil
}

// Format prints d with two fractional digits and the locale's grouping.
// For non-negative d, Normalize(Format(d, loc), loc) returns d rounded to cents.
func Format(d decimal.Decimal, loc Locale) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteRune(loc.Group)
		}
		b.WriteRune(r)
	}
	b.WriteRune(loc.Decimal)
	b.WriteString(frac)
	return b.String()
}
