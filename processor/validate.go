package processor

import (
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/models"
)

// Rules are the optional plausibility limits applied on top of the fixed
// checks. A zero MaxPrice disables the upper bound.
type Rules struct {
	MaxPrice decimal.Decimal
}

// Verdict is the result of Validate. Reason is empty when Accepted.
type Verdict struct {
	Accepted bool
	Reason   string
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Validate decides whether an observation may be persisted.
func Validate(obs models.RawPriceObservation, rules Rules) Verdict {
	switch {
	case strings.TrimSpace(obs.Product) == "":
		return reject("missing product name")
	case strings.TrimSpace(obs.SourceURL) == "":
		return reject("missing source url")
	case obs.ObservedAt.IsZero():
		return reject("missing observation time")
	case !obs.Price.IsPositive():
		return reject("price must be greater than zero, got " + obs.Price.String())
	case rules.MaxPrice.IsPositive() && obs.Price.GreaterThan(rules.MaxPrice):
		return reject("price " + obs.Price.StringFixed(2) + " exceeds max_price " + rules.MaxPrice.StringFixed(2))
	}
	return Verdict{Accepted: true}
}
