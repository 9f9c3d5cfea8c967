package site

import "pricewatch/processor"

const metaPrice = "meta[itemprop=price]@content"

// Geizhals covers the geizhals price comparison family. The range minimum
// is the cheapest current offer.
func Geizhals() Site {
	return Site{
		Name:   "geizhals",
		Hosts:  []string{"geizhals.at", "geizhals.de", "geizhals.eu"},
		Locale: processor.LocaleDE,
		Extractor: NewSelectorChain([]string{
			"strong#pricerange-min",
			"span.price",
			"div.gh_price",
			metaPrice,
		}, ""),
	}
}

// Idealo prefers the first row of the offer list and falls back to the
// page's structured data.
func Idealo() Site {
	return Site{
		Name:   "idealo",
		Hosts:  []string{"idealo.at", "idealo.de"},
		Locale: processor.LocaleDE,
		Extractor: FirstOf{
			NewSelectorChain([]string{
				"div.offerList-item-price span.price",
				"span.price",
				metaPrice,
			}, ""),
			JSONLDOffer{},
		},
	}
}

// Generic is used for hosts nobody registered.
func Generic() Site {
	return Site{
		Name:   "generic",
		Locale: processor.LocaleDE,
		Extractor: FirstOf{
			NewSelectorChain([]string{metaPrice, "meta[property='product:price:amount']@content"}, ""),
			JSONLDOffer{},
			NewSelectorChain([]string{".price"}, ""),
		},
	}
}
