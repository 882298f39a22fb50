package cryptocompare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"pricelog/internal/fetcher"
	"pricelog/internal/quote"
	"pricelog/internal/ratelimit"
)

// DefaultBaseURL is the public CryptoCompare min-api root.
const DefaultBaseURL = "https://min-api.cryptocompare.com"

// maxRowsPerCall is the histoday per-request row cap imposed by the API.
const maxRowsPerCall = 2000

// spotResponse is the /data/price response: {"USD": 3123.45}.
type spotResponse map[string]json.Number

// histodayResponse is the /data/v2/histoday envelope. Only the fields we
// consume are declared.
type histodayResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		Data []histodayRow `json:"Data"`
	} `json:"Data"`
}

type histodayRow struct {
	Time  int64       `json:"time"`
	Close json.Number `json:"close"`
}

// HistoryFetcher fetches spot prices and daily close history for one asset
// from CryptoCompare. An API key is optional for low request volumes.
type HistoryFetcher struct {
	asset  string
	apiKey string
	client *resty.Client
	now    func() time.Time
}

// NewHistoryFetcher creates a fetcher for the given asset symbol.
func NewHistoryFetcher(asset, apiKey, baseURL string) *HistoryFetcher {
	return &HistoryFetcher{
		asset:  strings.ToUpper(asset),
		apiKey: apiKey,
		client: fetcher.NewHTTPClient(baseURL),
		now:    time.Now,
	}
}

// Asset returns the asset symbol this fetcher observes.
func (f *HistoryFetcher) Asset() string { return f.asset }

// Fetch performs a single spot-price request against /data/price.
func (f *HistoryFetcher) Fetch(ctx context.Context) (quote.Quote, error) {
	if err := ratelimit.GetLimiter().Wait(ctx, ratelimit.APICryptoCompare); err != nil {
		return quote.Quote{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var result spotResponse

	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(f.withKey(map[string]string{
			"fsym":  f.asset,
			"tsyms": "USD",
		})).
		SetResult(&result).
		Get("/data/price")

	if err != nil {
		return quote.Quote{}, fetcher.ClassifyRequestError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return quote.Quote{}, fetcher.ClassifyHTTPError(resp.StatusCode())
	}

	raw, ok := result["USD"]
	if !ok {
		return quote.Quote{}, fetcher.NewValidationError(
			fmt.Sprintf("USD price for %s not found in response", f.asset))
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

// FetchHistory returns up to days of daily close quotes ending today, oldest
// first. It pages backwards through histoday, moving toTs one day before the
// earliest row of each batch, the way the original backfill walked history.
func (f *HistoryFetcher) FetchHistory(ctx context.Context, days int) ([]quote.Quote, error) {
	if days <= 0 {
		return nil, fetcher.NewValidationError("history days must be positive")
	}

	seen := make(map[string]bool)
	var quotes []quote.Quote

	toTs := f.now().UTC().Unix()
	for remaining := days; remaining > 0; {
		limit := remaining
		if limit > maxRowsPerCall {
			limit = maxRowsPerCall
		}

		rows, err := f.fetchBatch(ctx, limit, toTs)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		earliest := rows[0].Time
		for _, row := range rows {
			if row.Time < earliest {
				earliest = row.Time
			}
			observed := time.Unix(row.Time, 0).UTC()
			price, perr := decimal.NewFromString(row.Close.String())
			if perr != nil || !price.IsPositive() {
				// Pre-listing days come back with close 0.
				continue
			}
			q, qerr := quote.New(f.asset, price, observed)
			if qerr != nil {
				continue
			}
			day := q.Key().Date
			if seen[day] {
				continue
			}
			seen[day] = true
			quotes = append(quotes, q)
		}

		remaining -= len(rows)
		if len(rows) < limit {
			break
		}
		toTs = earliest - 86400
	}

	sortByObservedAt(quotes)
	return quotes, nil
}

func (f *HistoryFetcher) fetchBatch(ctx context.Context, limit int, toTs int64) ([]histodayRow, error) {
	if err := ratelimit.GetLimiter().Wait(ctx, ratelimit.APICryptoCompare); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var result histodayResponse

	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(f.withKey(map[string]string{
			"fsym":  f.asset,
			"tsym":  "USD",
			"limit": strconv.Itoa(limit),
			"toTs":  strconv.FormatInt(toTs, 10),
		})).
		SetResult(&result).
		Get("/data/v2/histoday")

	if err != nil {
		return nil, fetcher.ClassifyRequestError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fetcher.ClassifyHTTPError(resp.StatusCode())
	}
	if result.Response == "Error" {
		return nil, fetcher.NewValidationError(
			fmt.Sprintf("cryptocompare error: %s", result.Message))
	}

	return result.Data.Data, nil
}

func (f *HistoryFetcher) withKey(params map[string]string) map[string]string {
	if f.apiKey != "" {
		params["api_key"] = f.apiKey
	}
	return params
}

func sortByObservedAt(quotes []quote.Quote) {
	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].ObservedAt.Before(quotes[j].ObservedAt)
	})
}
