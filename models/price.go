package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultShop is the dedup stand-in for observations without a shop.
const DefaultShop = "-"

// ProductEntry is one catalog line: a display name and the page that prices it.
// Group names the history store the product belongs to.
type ProductEntry struct {
	Name  string `yaml:"name" json:"name"`
	URL   string `yaml:"url" json:"url"`
	Group string `yaml:"group" json:"group"`
}

// RawPriceObservation is a scraped price that has not been persisted yet.
type RawPriceObservation struct {
	Product    string
	Price      decimal.Decimal
	ObservedAt time.Time
	SourceURL  string
	Shop       string
}

// Record converts the observation into its persisted form.
func (o RawPriceObservation) Record() PriceRecord {
	return PriceRecord{
		Product: o.Product,
		Price:   o.Price.Round(2),
		Date:    o.ObservedAt,
		URL:     o.SourceURL,
		Shop:    o.Shop,
	}
}

// PriceRecord is a single entry of a history file.
type PriceRecord struct {
	Product string
	Price   decimal.Decimal
	Date    time.Time
	URL     string
	Shop    string
}

// DedupKey identifies "the same price event": product, price, shop and the
// calendar day of the record in loc.
type DedupKey struct {
	Product string
	Price   string
	Shop    string
	Day     string
}

// Key returns the record's dedup key. A nil loc means UTC.
func (r PriceRecord) Key(loc *time.Location) DedupKey {
	if loc == nil {
		loc = time.UTC
	}
	shop := strings.TrimSpace(r.Shop)
	if shop == "" {
		shop = DefaultShop
	}
	return DedupKey{
		Product: r.Product,
		Price:   r.Price.StringFixed(2),
		Shop:    shop,
		Day:     r.Date.In(loc).Format("2006-01-02"),
	}
}

type priceRecordJSON struct {
	Product string          `json:"product"`
	Price   json.Number     `json:"price"`
	Date    json.RawMessage `json:"date"`
	URL     string          `json:"url"`
	Shop    string          `json:"shop,omitempty"`
}

// MarshalJSON writes price as a two-decimal number and date as RFC 3339.
func (r PriceRecord) MarshalJSON() ([]byte, error) {
	date, err := json.Marshal(r.Date.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return json.Marshal(priceRecordJSON{
		Product: r.Product,
		Price:   json.Number(r.Price.StringFixed(2)),
		Date:    date,
		URL:     r.URL,
		Shop:    r.Shop,
	})
}

// UnmarshalJSON accepts date as RFC 3339 text or epoch milliseconds, the
// latter being what older history files contain.
func (r *PriceRecord) UnmarshalJSON(data []byte) error {
	var raw priceRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := decimal.NewFromString(raw.Price.String())
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", raw.Price, err)
	}
	date, err := parseRecordDate(raw.Date)
	if err != nil {
		return err
	}
	*r = PriceRecord{
		Product: raw.Product,
		Price:   price,
		Date:    date,
		URL:     raw.URL,
		Shop:    raw.Shop,
	}
	return nil
}

func parseRecordDate(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return t, nil
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("invalid date %s: %w", raw, err)
	}
	n, err := ms.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch date %s: %w", raw, err)
	}
	return time.UnixMilli(n).UTC(), nil
}
