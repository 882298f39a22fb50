package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricelog/internal/coingecko"
	"pricelog/internal/runner"
	"pricelog/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// priceServer fakes the CoinGecko simple-price endpoint.
func priceServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEndToEnd_FetchAppendIdempotent(t *testing.T) {
	server := priceServer(t, `{"ethereum":{"usd":3123.45}}`, http.StatusOK)

	dbPath := filepath.Join(t.TempDir(), "prices.db")
	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close()

	f := coingecko.NewPriceFetcher("ETH", server.URL)
	r := runner.New(f, st, 3, time.Millisecond, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := r.Run(ctx)
	require.Equal(t, runner.StatusAppended, first.Status)
	assert.Equal(t, 0, first.ExitCode())
	assert.Equal(t, "3123.45", first.Price.String())

	second := r.Run(ctx)
	assert.Equal(t, runner.StatusAlreadyExists, second.Status)
	assert.Equal(t, 0, second.ExitCode(), "same-day re-run is a success, not an error")

	n, err := st.Count(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEndToEnd_ConcurrentInvocations(t *testing.T) {
	server := priceServer(t, `{"ethereum":{"usd":3123.45}}`, http.StatusOK)
	dbPath := filepath.Join(t.TempDir(), "prices.db")

	const invocations = 8
	outcomes := make([]runner.Outcome, invocations)

	var wg sync.WaitGroup
	for i := 0; i < invocations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each invocation opens its own store handle, like separate
			// processes triggered by overlapping schedules would.
			st, err := store.OpenSQLite(dbPath)
			if err != nil {
				t.Error(err)
				return
			}
			defer st.Close()

			f := coingecko.NewPriceFetcher("ETH", server.URL)
			r := runner.New(f, st, 3, time.Millisecond, quietLogger())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			outcomes[i] = r.Run(ctx)
		}(i)
	}
	wg.Wait()

	appended, alreadyExists := 0, 0
	for _, o := range outcomes {
		require.True(t, o.Success(), "outcome: %+v", o)
		switch o.Status {
		case runner.StatusAppended:
			appended++
		case runner.StatusAlreadyExists:
			alreadyExists++
		}
	}
	assert.Equal(t, 1, appended, "exactly one invocation must win the append")
	assert.Equal(t, invocations-1, alreadyExists)

	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close()
	info, err := st.AssetInfo(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Records)
}

func TestEndToEnd_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ethereum":{"usd":3123.45}}`))
	}))
	defer server.Close()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer st.Close()

	f := coingecko.NewPriceFetcher("ETH", server.URL)
	r := runner.New(f, st, 3, time.Millisecond, quietLogger())

	outcome := r.Run(context.Background())
	assert.Equal(t, runner.StatusAppended, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestEndToEnd_DryRunLeavesNoFile(t *testing.T) {
	server := priceServer(t, `{"ethereum":{"usd":3123.45}}`, http.StatusOK)
	dir := t.TempDir()

	f := coingecko.NewPriceFetcher("ETH", server.URL)
	r := runner.New(f, store.NewNoopStore(), 3, time.Millisecond, quietLogger())

	outcome := r.Run(context.Background())
	require.Equal(t, runner.StatusAppended, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, "3123.45", outcome.Price.String())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "dry run must not write a store file")
}

func TestEndToEnd_PermanentFailureLeavesStoreEmpty(t *testing.T) {
	server := priceServer(t, `{"error":"could not find coin"}`, http.StatusNotFound)

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer st.Close()

	f := coingecko.NewPriceFetcher("ETH", server.URL)
	r := runner.New(f, st, 3, time.Millisecond, quietLogger())

	outcome := r.Run(context.Background())
	assert.Equal(t, runner.StatusPermanentFailure, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)

	info, err := st.AssetInfo(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Records)
}
