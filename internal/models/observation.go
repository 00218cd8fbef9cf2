package models

import (
	"regexp"
	"time"
)

var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// Availability is the stock state captured from a product detail page.
type Availability string

const (
	AvailabilityInStock     Availability = "InStock"
	AvailabilityBackOrder   Availability = "BackOrder"
	AvailabilityUnavailable Availability = "Unavailable"
	AvailabilityInvalidPage Availability = "InvalidPage"
)

// SellerClass tells whether the buy box belongs to Amazon itself.
type SellerClass string

const (
	SellerFirstParty SellerClass = "FirstParty"
	SellerThirdParty SellerClass = "ThirdParty"
	SellerUnknown    SellerClass = "Unknown"
)

// PriceNotAvailable is stored whenever no sellable price applies.
const PriceNotAvailable = "N/A"

type TrackedItem struct {
	ASIN    string `json:"asin"`
	SKU     string `json:"sku,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Observation is one append-only snapshot of a product detail page.
type Observation struct {
	ItemID       string       `json:"item_id"`
	ObservedAt   time.Time    `json:"observed_at"`
	Title        string       `json:"title"`
	Availability Availability `json:"availability"`
	StockNote    string       `json:"stock_note"`
	SellerClass  SellerClass  `json:"seller_class"`
	Price        string       `json:"price"`
	Rank         string       `json:"rank"`
}

// NewObservation returns an observation with neutral defaults.
func NewObservation(asin string) *Observation {
	return &Observation{
		ItemID:      asin,
		ObservedAt:  time.Now().UTC(),
		SellerClass: SellerUnknown,
		Price:       PriceNotAvailable,
	}
}

// InvalidPageObservation is recorded for CAPTCHA, 404 and error pages.
func InvalidPageObservation(asin, note string) *Observation {
	obs := NewObservation(asin)
	obs.Availability = AvailabilityInvalidPage
	obs.StockNote = note
	return obs
}

// ValidASIN reports whether s looks like a 10-character catalog id.
func ValidASIN(s string) bool {
	return asinPattern.MatchString(s)
}

func (o *Observation) Validate() []string {
	var errors []string

	if !ValidASIN(o.ItemID) {
		errors = append(errors, "item id must be a 10-character ASIN")
	}

	switch o.Availability {
	case AvailabilityInStock, AvailabilityBackOrder, AvailabilityUnavailable, AvailabilityInvalidPage:
	default:
		errors = append(errors, "unknown availability state")
	}

	if o.Availability == AvailabilityUnavailable && o.Price != PriceNotAvailable {
		errors = append(errors, "unavailable items must not carry a price")
	}

	return errors
}
