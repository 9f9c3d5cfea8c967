// Package site holds the per-retailer strategies that locate the price text
// in a product page.
package site

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/config"
	"pricewatch/processor"
)

// ErrMarkupNotFound means no strategy found a price element in the page.
var ErrMarkupNotFound = errors.New("price markup not found")

// Match is what an Extractor pulled out of a page. Machine is set when Raw
// came from a machine-readable source (an attribute or JSON-LD) and is
// therefore formatted as 1234.56 regardless of the page locale.
type Match struct {
	Raw     string
	Shop    string
	Machine bool
	Source  string
}

// Extractor locates a price in a parsed document.
type Extractor interface {
	Extract(doc *goquery.Document) (Match, bool)
}

// Site binds an extractor and a number locale to a set of hosts.
type Site struct {
	Name      string
	Hosts     []string
	Locale    processor.Locale
	Extractor Extractor
}

// ExtractMatch runs the site's extractor over doc.
func ExtractMatch(doc *goquery.Document, s Site) (Match, error) {
	if s.Extractor == nil {
		return Match{}, fmt.Errorf("%w: site %q has no extractor", ErrMarkupNotFound, s.Name)
	}
	m, ok := s.Extractor.Extract(doc)
	if !ok || strings.TrimSpace(m.Raw) == "" {
		return Match{}, fmt.Errorf("%w on %s page", ErrMarkupNotFound, s.Name)
	}
	return m, nil
}

// ExtractRawPrice returns the first non-empty price text the site finds.
func ExtractRawPrice(doc *goquery.Document, s Site) (string, error) {
	m, err := ExtractMatch(doc, s)
	if err != nil {
		return "", err
	}
	return m.Raw, nil
}

// LocaleFor picks the locale Raw must be parsed with.
func (m Match) LocaleFor(s Site) processor.Locale {
	if m.Machine {
		return processor.LocaleEN
	}
	return s.Locale
}

// Registry maps URL hosts to sites. Later registrations win over earlier
// ones for the same host.
type Registry struct {
	sites    []Site
	fallback Site
}

// NewRegistry returns a registry holding the built-in retailers.
func NewRegistry() *Registry {
	r := &Registry{fallback: Generic()}
	r.Register(Geizhals())
	r.Register(Idealo())
	return r
}

// FromConfig extends the built-in registry with configured sites.
func FromConfig(sites []config.SiteConfig) (*Registry, error) {
	r := NewRegistry()
	for _, sc := range sites {
		loc, err := processor.ParseLocale(sc.Locale)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", sc.Name, err)
		}
		if sc.Locale == "" {
			loc = processor.LocaleDE
		}

		var ex Extractor
		if len(sc.Selectors) > 0 {
			ex = NewSelectorChain(sc.Selectors, sc.ShopSelector)
		}
		if sc.JSONLD {
			if ex == nil {
				ex = JSONLDOffer{}
			} else {
				ex = FirstOf{ex, JSONLDOffer{}}
			}
		}
		r.Register(Site{Name: sc.Name, Hosts: sc.Hosts, Locale: loc, Extractor: ex})
	}
	return r, nil
}

// Register adds s. Its hosts shadow any earlier registration.
func (r *Registry) Register(s Site) {
	hosts := make([]string, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		hosts = append(hosts, normalizeHost(h))
	}
	s.Hosts = hosts
	r.sites = append(r.sites, s)
}

// Resolve returns the site responsible for rawURL, or the generic fallback.
// Hosts match by suffix so "www.geizhals.at" and "m.geizhals.at" both map to
// geizhals.at. The longest matching host wins.
func (r *Registry) Resolve(rawURL string) Site {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return r.fallback
	}
	host := normalizeHost(u.Hostname())

	best, bestLen := r.fallback, -1
	for i := len(r.sites) - 1; i >= 0; i-- {
		s := r.sites[i]
		for _, h := range s.Hosts {
			if (host == h || strings.HasSuffix(host, "."+h)) && len(h) > bestLen {
				best, bestLen = s, len(h)
			}
		}
	}
	return best
}

// Sites lists registered site names, fallback last.
func (r *Registry) Sites() []string {
	names := make([]string, 0, len(r.sites)+1)
	for _, s := range r.sites {
		names = append(names, s.Name)
	}
	return append(names, r.fallback.Name)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "www.")
}
