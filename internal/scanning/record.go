package scanning

import "github.com/shopspring/decimal"

// Record is the structured data extracted from receipt text.
//
// A record is either a normal record or an error record. Error records carry
// Error and RawResponse and nothing else.
type Record struct {
	RestaurantDetails map[string]string `json:"restaurant_details"`
	Items             []Item            `json:"items"`
	Tax               decimal.Decimal   `json:"tax"`
	Total             decimal.Decimal   `json:"total"`
	DateTime          string            `json:"date_time"`
	Error             string            `json:"error,omitempty"`
	RawResponse       string            `json:"raw_response,omitempty"`
}

// Item is a single line item, in the order it appeared on the receipt
type Item struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// TableRow is an item with its price already formatted for display
type TableRow struct {
	Item  string `json:"item"`
	Price string `json:"price"`
}

func newRecord() *Record {
	return &Record{
		RestaurantDetails: make(map[string]string),
		Items:             make([]Item, 0),
	}
}

// NewErrorRecord creates the failure variant of a Record
func NewErrorRecord(message, raw string) *Record {
	return &Record{
		Error:       message,
		RawResponse: raw,
	}
}

// Failed reports whether the record is an error record
func (r *Record) Failed() bool {
	return r.Error != ""
}
