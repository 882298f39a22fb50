package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"pricelog/internal/fetcher"
	"pricelog/internal/quote"
	"pricelog/internal/store"
)

// Runner sequences one fetch-and-append pass per Run call. It owns the retry
// budget for transient fetch failures and the mapping of every component
// failure to a terminal Outcome; fetchers and the store never retry on their
// own.
type Runner struct {
	fetcher fetcher.Fetcher
	store   store.Store
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// New creates a job runner. retries is the number of re-attempts after the
// first fetch (so retries=3 means at most 4 attempts); backoff is the fixed
// wait between attempts.
func New(f fetcher.Fetcher, s store.Store, retries int, backoff time.Duration, logger *slog.Logger) *Runner {
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher: f,
		store:   s,
		retries: retries,
		backoff: backoff,
		logger:  logger,
	}
}

// Run executes one invocation: fetch (with retries for transient failures),
// then append. The context carries the whole-invocation deadline; exceeding
// it terminates the run with StatusTimeout regardless of which phase was
// active. Exactly one summary log record is emitted.
func (r *Runner) Run(ctx context.Context) Outcome {
	outcome := r.run(ctx)
	r.log(outcome)
	return outcome
}

func (r *Runner) run(ctx context.Context) Outcome {
	q, attempts, oc := r.fetchWithRetry(ctx)
	if oc != nil {
		return *oc
	}

	outcome := r.append(ctx, q)
	outcome.Attempts = attempts
	return outcome
}

// fetchWithRetry drives the Fetching state. It returns either a quote and
// the number of attempts used, or a terminal failure Outcome.
func (r *Runner) fetchWithRetry(ctx context.Context) (quote.Quote, int, *Outcome) {
	key := quote.Key{Asset: r.fetcher.Asset()}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return quote.Quote{}, attempt - 1, &Outcome{
				Status:   StatusTimeout,
				Key:      key,
				Attempts: attempt - 1,
				Reason:   "invocation deadline exceeded before fetch",
			}
		}

		q, err := r.fetcher.Fetch(ctx)
		if err == nil {
			return q, attempt, nil
		}

		if ctx.Err() != nil {
			return quote.Quote{}, attempt, &Outcome{
				Status:   StatusTimeout,
				Key:      key,
				Attempts: attempt,
				Reason:   "invocation deadline exceeded during fetch",
			}
		}

		if !fetcher.IsRetryable(err) {
			return quote.Quote{}, attempt, &Outcome{
				Status:   StatusPermanentFailure,
				Key:      key,
				Attempts: attempt,
				Reason:   err.Error(),
			}
		}

		if attempt > r.retries {
			return quote.Quote{}, attempt, &Outcome{
				Status:   StatusTransientExhausted,
				Key:      key,
				Attempts: attempt,
				Reason:   err.Error(),
			}
		}

		r.logger.Debug("retrying fetch after transient failure",
			"asset", r.fetcher.Asset(),
			"attempt", attempt,
			"error", err.Error())

		select {
		case <-time.After(r.backoff):
		case <-ctx.Done():
			return quote.Quote{}, attempt, &Outcome{
				Status:   StatusTimeout,
				Key:      key,
				Attempts: attempt,
				Reason:   "invocation deadline exceeded during backoff",
			}
		}
	}
}

// append drives the Appending state and maps store results and failures to
// terminal outcomes.
func (r *Runner) append(ctx context.Context, q quote.Quote) Outcome {
	key := q.Key()

	result, err := r.store.Append(ctx, q)
	if err != nil {
		return Outcome{Status: classifyStoreError(ctx, err), Key: key, Price: q.Price, Reason: err.Error()}
	}

	switch result {
	case store.AlreadyExists:
		return Outcome{
			Status: StatusAlreadyExists,
			Key:    key,
			Price:  q.Price,
			Reason: "record already exists for key, store unchanged",
		}
	default:
		return Outcome{
			Status: StatusAppended,
			Key:    key,
			Price:  q.Price,
			Reason: "record appended",
		}
	}
}

// Backfill fetches up to days of daily close history and appends each day,
// oldest first. Days already present keep their original price: the
// reject-duplicate policy applies to every row. The run succeeds when every
// row either landed or already existed.
func (r *Runner) Backfill(ctx context.Context, hf fetcher.HistoryFetcher, days int) Outcome {
	outcome := r.backfill(ctx, hf, days)
	r.log(outcome)
	return outcome
}

func (r *Runner) backfill(ctx context.Context, hf fetcher.HistoryFetcher, days int) Outcome {
	key := quote.Key{Asset: hf.Asset()}

	quotes, err := hf.FetchHistory(ctx, days)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: StatusTimeout, Key: key, Attempts: 1,
				Reason: "invocation deadline exceeded during history fetch"}
		}
		status := StatusPermanentFailure
		if fetcher.IsRetryable(err) {
			status = StatusTransientExhausted
		}
		return Outcome{Status: status, Key: key, Attempts: 1, Reason: err.Error()}
	}

	outcome := Outcome{Status: StatusAlreadyExists, Key: key, Attempts: 1}
	for _, q := range quotes {
		result, err := r.store.Append(ctx, q)
		if err != nil {
			outcome.Status = classifyStoreError(ctx, err)
			outcome.Reason = err.Error()
			return outcome
		}
		if result == store.Appended {
			outcome.BackfillAppended++
		} else {
			outcome.BackfillSkipped++
		}
		outcome.Key = q.Key()
		outcome.Price = q.Price
	}
	if outcome.BackfillAppended > 0 {
		outcome.Status = StatusAppended
	}
	outcome.Reason = "backfill complete"
	return outcome
}

// Tick returns a function suitable for a scheduler callback. Each call runs
// one full invocation under its own deadline. A tick that fires while the
// previous invocation is still in flight is skipped, so slow runs never pile
// up concurrent passes against the same key.
func (r *Runner) Tick(timeout time.Duration) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			r.logger.Warn("previous run still active, skipping tick",
				"asset", r.fetcher.Asset())
			return
		}
		defer running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r.Run(ctx)
	}
}

func classifyStoreError(ctx context.Context, err error) Status {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, store.ErrCorruptData):
		return StatusCorruptData
	default:
		return StatusStoreUnavailable
	}
}

// log emits the single structured summary record for the invocation.
func (r *Runner) log(o Outcome) {
	attrs := []any{
		"status", string(o.Status),
		"asset", o.Key.Asset,
		"date", o.Key.Date,
		"attempts", o.Attempts,
		"reason", o.Reason,
	}
	if !o.Price.IsZero() {
		attrs = append(attrs, "price", o.Price.String())
	}
	if o.BackfillAppended > 0 || o.BackfillSkipped > 0 {
		attrs = append(attrs, "backfill_appended", o.BackfillAppended,
			"backfill_skipped", o.BackfillSkipped)
	}
	if o.Success() {
		r.logger.Info("run complete", attrs...)
	} else {
		r.logger.Error("run failed", attrs...)
	}
}
