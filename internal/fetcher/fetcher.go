package fetcher

import (
	"context"

	"pricelog/internal/quote"
)

// Fetcher is implemented by every price source. A Fetcher performs exactly
// one outbound attempt per Fetch call; retry and backoff decisions belong to
// the job runner, which is the only component allowed to call Fetch more
// than once per invocation.
type Fetcher interface {
	// Fetch retrieves the current price for the configured asset and
	// returns it as an immutable Quote stamped with the fetch time.
	Fetch(ctx context.Context) (quote.Quote, error)

	// Asset returns the asset symbol this fetcher observes (e.g. "ETH").
	Asset() string
}

// HistoryFetcher is implemented by sources that can also serve daily close
// history, used to backfill days missed by the scheduled job.
type HistoryFetcher interface {
	Fetcher

	// FetchHistory returns up to days daily-close quotes ending today,
	// oldest first. Duplicate days are filtered by the appender, not here.
	FetchHistory(ctx context.Context, days int) ([]quote.Quote, error)
}
