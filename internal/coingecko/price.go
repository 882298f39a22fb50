package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"pricelog/internal/fetcher"
	"pricelog/internal/quote"
	"pricelog/internal/ratelimit"
)

// DefaultBaseURL is the public CoinGecko API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// coinIDs maps asset symbols to CoinGecko coin ids for the common cases.
// Unknown symbols are passed through lowercased, which works for assets
// whose id equals their name.
var coinIDs = map[string]string{
	"ETH": "ethereum",
	"BTC": "bitcoin",
	"SOL": "solana",
}

// PriceFetcher fetches the current spot price of one asset in USD from the
// CoinGecko simple-price endpoint.
type PriceFetcher struct {
	asset  string
	coinID string
	client *resty.Client
	now    func() time.Time
}

// NewPriceFetcher creates a fetcher for the given asset symbol.
func NewPriceFetcher(asset, baseURL string) *PriceFetcher {
	coinID, ok := coinIDs[strings.ToUpper(asset)]
	if !ok {
		coinID = strings.ToLower(asset)
	}
	return &PriceFetcher{
		asset:  strings.ToUpper(asset),
		coinID: coinID,
		client: fetcher.NewHTTPClient(baseURL),
		now:    time.Now,
	}
}

// Asset returns the asset symbol this fetcher observes.
func (f *PriceFetcher) Asset() string { return f.asset }

// Fetch performs a single simple-price request and parses the response into
// a Quote. The response shape is {"<coin id>":{"usd":<number>}}.
func (f *PriceFetcher) Fetch(ctx context.Context) (quote.Quote, error) {
	if err := ratelimit.GetLimiter().Wait(ctx, ratelimit.APICoinGecko); err != nil {
		return quote.Quote{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var result map[string]map[string]json.Number

	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           f.coinID,
			"vs_currencies": "usd",
		}).
		SetResult(&result).
		Get("/simple/price")

	if err != nil {
		return quote.Quote{}, fetcher.ClassifyRequestError(err)
	}

	if resp.StatusCode() != http.StatusOK {
		return quote.Quote{}, fetcher.ClassifyHTTPError(resp.StatusCode())
	}

	raw, ok := result[f.coinID]["usd"]
	if !ok {
		return quote.Quote{}, fetcher.NewValidationError(
			fmt.Sprintf("price for %q not found in response", f.coinID))
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return quote.Quote{}, fetcher.NewValidationError(
			fmt.Sprintf("unparseable price %q for %s", raw.String(), f.asset))
	}

	q, err := quote.New(f.asset, price, f.now())
	if err != nil {
		return quote.Quote{}, fetcher.NewValidationError(err.Error())
	}
	return q, nil
}
