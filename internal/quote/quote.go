package quote

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a single fetched price observation. It is constructed once per
// fetch and never mutated; the durable representation lives in the store.
type Quote struct {
	Asset      string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Key identifies the durable record derived from a Quote: one record per
// asset per UTC calendar day.
type Key struct {
	Asset string
	Date  string // YYYY-MM-DD
}

// New validates and constructs a Quote. The asset must be non-empty and the
// price strictly positive.
func New(asset string, price decimal.Decimal, observedAt time.Time) (Quote, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return Quote{}, fmt.Errorf("quote: asset is empty")
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("quote: price %s is not positive", price)
	}
	if observedAt.IsZero() {
		return Quote{}, fmt.Errorf("quote: observed_at is zero")
	}
	return Quote{Asset: asset, Price: price, ObservedAt: observedAt}, nil
}

// Key derives the record key from the quote's asset and the UTC calendar
// date of its observation time.
func (q Quote) Key() Key {
	return Key{
		Asset: q.Asset,
		Date:  q.ObservedAt.UTC().Format("2006-01-02"),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Asset, k.Date)
}
