package site

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidate is one CSS selector, optionally reading an attribute instead of
// the element text. It is written as "selector" or "selector@attr".
type Candidate struct {
	Selector string
	Attr     string
}

// ParseCandidate splits "meta[itemprop=price]@content" into selector and
// attribute.
func ParseCandidate(s string) Candidate {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "@"); i > 0 && !strings.ContainsAny(s[i:], "]) ") {
		return Candidate{Selector: s[:i], Attr: s[i+1:]}
	}
	return Candidate{Selector: s}
}

func (c Candidate) String() string {
	if c.Attr == "" {
		return c.Selector
	}
	return c.Selector + "@" + c.Attr
}

// first returns the first non-empty value the candidate selects.
func (c Candidate) first(doc *goquery.Document) (string, bool) {
	var out string
	doc.Find(c.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v string
		if c.Attr != "" {
			v, _ = s.Attr(c.Attr)
		} else {
			v = s.Text()
		}
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			return true
		}
		out = v
		return false
	})
	return out, out != ""
}

// SelectorChain tries CSS candidates in order.
type SelectorChain struct {
	Candidates []Candidate
	Shop       *Candidate
}

func NewSelectorChain(selectors []string, shopSelector string) SelectorChain {
	chain := SelectorChain{Candidates: make([]Candidate, 0, len(selectors))}
	for _, s := range selectors {
		if strings.TrimSpace(s) == "" {
			continue
		}
		chain.Candidates = append(chain.Candidates, ParseCandidate(s))
	}
	if strings.TrimSpace(shopSelector) != "" {
		c := ParseCandidate(shopSelector)
		chain.Shop = &c
	}
	return chain
}

func (c SelectorChain) Extract(doc *goquery.Document) (Match, bool) {
	for _, cand := range c.Candidates {
		raw, ok := cand.first(doc)
		if !ok {
			continue
		}
		m := Match{Raw: raw, Machine: cand.Attr != "", Source: cand.String()}
		if c.Shop != nil {
			m.Shop, _ = c.Shop.first(doc)
		}
		return m, true
	}
	return Match{}, false
}

// JSONLDOffer reads schema.org Product/Offer data from
// application/ld+json script blocks.
type JSONLDOffer struct{}

func (JSONLDOffer) Extract(doc *goquery.Document) (Match, bool) {
	var m Match
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return true
		}
		if price, shop, ok := findOffer(v, false); ok {
			m = Match{Raw: price, Shop: shop, Machine: true, Source: "json-ld"}
			found = true
			return false
		}
		return true
	})
	return m, found
}

// findOffer walks a decoded JSON-LD value looking for the first offer price.
// inOffers is true once the walk is below a Product's "offers" key.
func findOffer(v interface{}, inOffers bool) (price, shop string, ok bool) {
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if p, s, ok := findOffer(item, inOffers); ok {
				return p, s, true
			}
		}
	case map[string]interface{}:
		if inOffers || hasType(t, "Offer") || hasType(t, "AggregateOffer") {
			for _, key := range []string{"price", "lowPrice"} {
				if p := scalarString(t[key]); p != "" {
					return p, sellerName(t["seller"]), true
				}
			}
		}
		if offers, ok := t["offers"]; ok {
			if p, s, ok := findOffer(offers, true); ok {
				return p, s, true
			}
		}
		if graph, ok := t["@graph"]; ok {
			return findOffer(graph, false)
		}
	}
	return "", "", false
}

func hasType(obj map[string]interface{}, name string) bool {
	switch t := obj["@type"].(type) {
	case string:
		return t == name
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok && s == name {
				return true
			}
		}
	}
	return false
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case string:
		return strings.TrimSpace(t)
	}
	return ""
}

func sellerName(v interface{}) string {
	if obj, ok := v.(map[string]interface{}); ok {
		return scalarString(obj["name"])
	}
	return ""
}

// FirstOf returns the first extractor's match.
type FirstOf []Extractor

func (f FirstOf) Extract(doc *goquery.Document) (Match, bool) {
	for _, ex := range f {
		if m, ok := ex.Extract(doc); ok {
			return m, true
		}
	}
	return Match{}, false
}
