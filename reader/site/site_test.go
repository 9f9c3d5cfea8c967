package site

import (
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/config"
	"pricewatch/processor"
)

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

const geizhalsPage = `<html><body>
<div class="variant__header__pricehistory">
  <strong id="pricerange-min"><span class="gh_price">€ 1.099,00</span></strong>
  <span class="price">€ 1.249,00</span>
</div></body></html>`

func TestGeizhalsPrefersRangeMinimum(t *testing.T) {
	raw, err := ExtractRawPrice(parseDoc(t, geizhalsPage), Geizhals())
	if err != nil {
		t.Fatalf("ExtractRawPrice: %v", err)
	}
	if raw != "€ 1.099,00" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestSelectorChainSkipsEmptyCandidates(t *testing.T) {
	html := `<html><body><strong id="pricerange-min">  </strong><div class="gh_price">€ 849,90</div></body></html>`
	raw, err := ExtractRawPrice(parseDoc(t, html), Geizhals())
	if err != nil {
		t.Fatalf("ExtractRawPrice: %v", err)
	}
	if raw != "€ 849,90" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestIdealoOfferList(t *testing.T) {
	html := `<html><body><div class="offerList-item">
  <div class="offerList-item-price"><span class="price">1.119,00 €</span></div>
</div><span class="price">999,00 €</span></body></html>`
	raw, err := ExtractRawPrice(parseDoc(t, html), Idealo())
	if err != nil {
		t.Fatalf("ExtractRawPrice: %v", err)
	}
	if raw != "1.119,00 €" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestIdealoFallsBackToJSONLD(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"RTX 5080",
 "offers":{"@type":"AggregateOffer","lowPrice":1089.5,"priceCurrency":"EUR"}}
</script></head><body></body></html>`
	m, err := ExtractMatch(parseDoc(t, html), Idealo())
	if err != nil {
		t.Fatalf("ExtractMatch: %v", err)
	}
	if m.Raw != "1089.5" || !m.Machine || m.Source != "json-ld" {
		t.Fatalf("unexpected match: %+v", m)
	}
	if m.LocaleFor(Idealo()).Decimal != '.' {
		t.Fatalf("machine-readable match should parse as en")
	}
}

func TestJSONLDGraphAndSeller(t *testing.T) {
	html := `<script type="application/ld+json">{"@graph":[
  {"@type":"BreadcrumbList"},
  {"@type":"Product","offers":[{"@type":"Offer","price":"649.00","seller":{"name":"Cyberport"}}]}
]}</script><script type="application/ld+json">not json</script>`
	m, ok := JSONLDOffer{}.Extract(parseDoc(t, html))
	if !ok {
		t.Fatalf("no offer found")
	}
	if m.Raw != "649.00" || m.Shop != "Cyberport" {
		t.Fatalf("unexpected match: %+v", m)
	}
}

func TestMetaAttributeIsMachineReadable(t *testing.T) {
	html := `<html><head><meta itemprop="price" content="1099.00"></head></html>`
	m, err := ExtractMatch(parseDoc(t, html), Generic())
	if err != nil {
		t.Fatalf("ExtractMatch: %v", err)
	}
	if m.Raw != "1099.00" || !m.Machine {
		t.Fatalf("unexpected match: %+v", m)
	}
	if m.LocaleFor(Generic()).Decimal != '.' {
		t.Fatalf("attribute value should parse as en")
	}
}

func TestMarkupNotFound(t *testing.T) {
	_, err := ExtractRawPrice(parseDoc(t, `<html><body><p>Just a moment...</p></body></html>`), Geizhals())
	if !errors.Is(err, ErrMarkupNotFound) {
		t.Fatalf("err = %v, want ErrMarkupNotFound", err)
	}
}

func TestParseCandidate(t *testing.T) {
	tests := map[string]Candidate{
		"span.price":                             {Selector: "span.price"},
		"meta[itemprop=price]@content":           {Selector: "meta[itemprop=price]", Attr: "content"},
		"a[href*='@']":                           {Selector: "a[href*='@']"},
		"meta[property='og:price:amount']@content": {Selector: "meta[property='og:price:amount']", Attr: "content"},
	}
	for in, want := range tests {
		if got := ParseCandidate(in); got != want {
			t.Errorf("ParseCandidate(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	tests := map[string]string{
		"https://geizhals.at/palit-a3382345.html":                        "geizhals",
		"https://www.geizhals.de/x.html":                                 "geizhals",
		"https://m.idealo.at/preisvergleich/OffersOfProduct/205736.html": "idealo",
		"https://shop.example.com/p/1":                                   "generic",
		"::not a url":                                                    "generic",
		"https://notgeizhals.at/x":                                       "generic",
	}
	for u, want := range tests {
		if got := r.Resolve(u).Name; got != want {
			t.Errorf("Resolve(%q) = %s, want %s", u, got, want)
		}
	}
}

func TestFromConfigOverridesAndAdds(t *testing.T) {
	r, err := FromConfig([]config.SiteConfig{
		{Name: "geizhals-eu", Hosts: []string{"geizhals.eu"}, Locale: "en-GB", Selectors: []string{"span.amount"}},
		{Name: "digitec", Hosts: []string{"www.digitec.ch"}, Locale: "de-CH", Selectors: []string{"strong.price"}, JSONLD: true},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	eu := r.Resolve("https://geizhals.eu/x")
	if eu.Name != "geizhals-eu" || eu.Locale.Decimal != '.' {
		t.Fatalf("override not applied: %+v", eu)
	}
	if r.Resolve("https://geizhals.at/x").Name != "geizhals" {
		t.Fatalf("built-in hosts should remain")
	}

	ch := r.Resolve("https://www.digitec.ch/de/s1/product/1")
	doc := parseDoc(t, `<strong class="price">CHF 1'299.–</strong>`)
	raw, err := ExtractRawPrice(doc, ch)
	if err != nil {
		t.Fatalf("ExtractRawPrice: %v", err)
	}
	d, err := processor.Normalize(raw, ch.Locale)
	if err != nil || d.String() != "1299" {
		t.Fatalf("Normalize(%q) = %s, %v", raw, d, err)
	}

	if _, err := FromConfig([]config.SiteConfig{{Name: "bad", Hosts: []string{"x.at"}, Locale: "??", Selectors: []string{"p"}}}); err == nil {
		t.Fatalf("expected locale error")
	}
}
