package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricelog/internal/fetcher"
	"pricelog/internal/quote"
	"pricelog/internal/store"
	"pricelog/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRun_FetchAndAppend(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	f := testutil.NewMockFetcher(q, nil)
	st := testutil.NewFakeStore()

	r := New(f, st, 3, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusAppended, outcome.Status)
	assert.True(t, outcome.Success())
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, quote.Key{Asset: "ETH", Date: "2024-05-01"}, outcome.Key)
	assert.Equal(t, "3123.45", outcome.Price.String())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, st.Len())
}

func TestRun_SecondRunSameDayIsNoOpSuccess(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	st := testutil.NewFakeStore()

	first := New(testutil.NewMockFetcher(q, nil), st, 3, time.Millisecond, quietLogger())
	require.Equal(t, StatusAppended, first.Run(context.Background()).Status)

	// Later run, same calendar day, different price.
	later := testutil.MustQuote("ETH", "3140.00", "2024-05-01T15:00:00Z")
	second := New(testutil.NewMockFetcher(later, nil), st, 3, time.Millisecond, quietLogger())
	outcome := second.Run(context.Background())

	assert.Equal(t, StatusAlreadyExists, outcome.Status)
	assert.True(t, outcome.Success())
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, 1, st.Len())

	stored, ok := st.Get(q.Key())
	require.True(t, ok)
	assert.Equal(t, "3123.45", stored.Price.String(), "original record must survive")
}

func TestRun_TransientFailureRecoversWithinBudget(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")

	calls := 0
	f := &testutil.MockFetcher{
		AssetName: "ETH",
		FetchFunc: func(ctx context.Context) (quote.Quote, error) {
			calls++
			if calls < 3 {
				return quote.Quote{}, fetcher.NewServerError(503)
			}
			return q, nil
		},
	}
	st := testutil.NewFakeStore()

	r := New(f, st, 3, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusAppended, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 1, st.Len())
}

func TestRun_TransientExhausted(t *testing.T) {
	f := testutil.NewMockFetcher(quote.Quote{}, fetcher.NewNetworkError(errors.New("refused")))
	f.AssetName = "ETH"
	st := testutil.NewFakeStore()

	r := New(f, st, 2, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusTransientExhausted, outcome.Status)
	assert.False(t, outcome.Success())
	assert.Equal(t, 2, outcome.ExitCode())
	assert.Equal(t, 3, outcome.Attempts, "retries=2 means 3 attempts total")
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, 0, st.Len())
}

func TestRun_PermanentFailureFastPath(t *testing.T) {
	f := testutil.NewMockFetcher(quote.Quote{}, fetcher.NewClientError(404, "unknown asset"))
	f.AssetName = "ETH"
	st := testutil.NewFakeStore()

	r := New(f, st, 5, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusPermanentFailure, outcome.Status)
	assert.Equal(t, 3, outcome.ExitCode())
	assert.Equal(t, 1, outcome.Attempts, "permanent failures must not be retried")
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 0, st.Len())
}

func TestRun_DeadlineAlreadyExceeded(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	f := testutil.NewMockFetcher(q, nil)
	st := testutil.NewFakeStore()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	r := New(f, st, 3, time.Millisecond, quietLogger())
	outcome := r.Run(ctx)

	assert.Equal(t, StatusTimeout, outcome.Status)
	assert.Equal(t, 6, outcome.ExitCode())
	assert.Equal(t, 0, st.Len())
}

func TestRun_DeadlineExceededDuringBackoff(t *testing.T) {
	f := testutil.NewMockFetcher(quote.Quote{}, fetcher.NewServerError(500))
	f.AssetName = "ETH"
	st := testutil.NewFakeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Backoff far longer than the invocation budget.
	r := New(f, st, 5, time.Minute, quietLogger())
	outcome := r.Run(ctx)

	assert.Equal(t, StatusTimeout, outcome.Status)
	assert.Equal(t, 0, st.Len())
}

func TestRun_StoreUnavailable(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	f := testutil.NewMockFetcher(q, nil)
	st := testutil.NewFakeStore()
	st.AppendErr = store.ErrStoreUnavailable

	r := New(f, st, 0, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusStoreUnavailable, outcome.Status)
	assert.Equal(t, 4, outcome.ExitCode())
}

func TestRun_CorruptStore(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	f := testutil.NewMockFetcher(q, nil)
	st := testutil.NewFakeStore()
	st.AppendErr = store.ErrCorruptData

	r := New(f, st, 0, time.Millisecond, quietLogger())
	outcome := r.Run(context.Background())

	assert.Equal(t, StatusCorruptData, outcome.Status)
	assert.Equal(t, 5, outcome.ExitCode())
}

type scriptedHistory struct {
	*testutil.MockFetcher
	quotes []quote.Quote
	err    error
}

func (s *scriptedHistory) FetchHistory(_ context.Context, days int) ([]quote.Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	if days < len(s.quotes) {
		return s.quotes[len(s.quotes)-days:], nil
	}
	return s.quotes, nil
}

func TestBackfill_AppendsMissingDaysOnly(t *testing.T) {
	st := testutil.NewFakeStore()

	existing := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	_, err := st.Append(context.Background(), existing)
	require.NoError(t, err)

	hf := &scriptedHistory{
		MockFetcher: &testutil.MockFetcher{AssetName: "ETH"},
		quotes: []quote.Quote{
			testutil.MustQuote("ETH", "3000.00", "2024-04-29T00:00:00Z"),
			testutil.MustQuote("ETH", "3050.00", "2024-04-30T00:00:00Z"),
			testutil.MustQuote("ETH", "9999.99", "2024-05-01T00:00:00Z"), // day already stored
		},
	}

	r := New(hf, st, 0, time.Millisecond, quietLogger())
	outcome := r.Backfill(context.Background(), hf, 3)

	assert.Equal(t, StatusAppended, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, 2, outcome.BackfillAppended)
	assert.Equal(t, 1, outcome.BackfillSkipped)
	assert.Equal(t, 3, st.Len())

	stored, ok := st.Get(existing.Key())
	require.True(t, ok)
	assert.Equal(t, "3123.45", stored.Price.String(), "backfill must not overwrite existing days")
}

func TestBackfill_AllDuplicatesIsSuccess(t *testing.T) {
	st := testutil.NewFakeStore()
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T00:00:00Z")
	_, err := st.Append(context.Background(), q)
	require.NoError(t, err)

	hf := &scriptedHistory{
		MockFetcher: &testutil.MockFetcher{AssetName: "ETH"},
		quotes:      []quote.Quote{q},
	}

	r := New(hf, st, 0, time.Millisecond, quietLogger())
	outcome := r.Backfill(context.Background(), hf, 1)

	assert.Equal(t, StatusAlreadyExists, outcome.Status)
	assert.True(t, outcome.Success())
	assert.Equal(t, 1, outcome.BackfillSkipped)
}

func TestBackfill_FetchFailure(t *testing.T) {
	st := testutil.NewFakeStore()
	hf := &scriptedHistory{
		MockFetcher: &testutil.MockFetcher{AssetName: "ETH"},
		err:         fetcher.NewClientError(400, "fsym param is invalid"),
	}

	r := New(hf, st, 0, time.Millisecond, quietLogger())
	outcome := r.Backfill(context.Background(), hf, 10)

	assert.Equal(t, StatusPermanentFailure, outcome.Status)
	assert.Equal(t, 0, st.Len())
}

func TestTick_SkipsOverlappingRun(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	started := make(chan struct{})
	release := make(chan struct{})
	f := &testutil.MockFetcher{
		AssetName: "ETH",
		FetchFunc: func(ctx context.Context) (quote.Quote, error) {
			close(started)
			<-release
			return q, nil
		},
	}
	st := testutil.NewFakeStore()

	r := New(f, st, 0, time.Millisecond, quietLogger())
	tick := r.Tick(time.Minute)

	done := make(chan struct{})
	go func() {
		tick()
		close(done)
	}()
	<-started

	// Fires while the first pass is blocked inside Fetch; must return
	// immediately without starting a second fetch.
	tick()

	close(release)
	<-done

	assert.Equal(t, 1, f.Calls(), "overlapping tick must not trigger a second fetch")
	assert.Equal(t, 1, st.Len())
}

func TestTick_SequentialTicksRun(t *testing.T) {
	q := testutil.MustQuote("ETH", "3123.45", "2024-05-01T09:00:00Z")
	f := testutil.NewMockFetcher(q, nil)
	st := testutil.NewFakeStore()

	r := New(f, st, 0, time.Millisecond, quietLogger())
	tick := r.Tick(time.Minute)
	tick()
	tick()

	assert.Equal(t, 2, f.Calls(), "back-to-back ticks each run once the previous finished")
	assert.Equal(t, 1, st.Len(), "same calendar day stays deduplicated")
}

func TestOutcome_ExitCodes(t *testing.T) {
	tests := []struct {
		status Status
		want   int
	}{
		{StatusAppended, 0},
		{StatusAlreadyExists, 0},
		{StatusTransientExhausted, 2},
		{StatusPermanentFailure, 3},
		{StatusStoreUnavailable, 4},
		{StatusCorruptData, 5},
		{StatusTimeout, 6},
		{Status("unknown"), 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome{Status: tt.status}.ExitCode())
		})
	}
}
