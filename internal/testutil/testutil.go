package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricelog/internal/fetcher"
	"pricelog/internal/quote"
	"pricelog/internal/store"
)

var (
	_ fetcher.Fetcher = (*MockFetcher)(nil)
	_ store.Store     = (*FakeStore)(nil)
)

// MockFetcher is a scriptable implementation of the Fetcher interface for testing
type MockFetcher struct {
	FetchFunc func(ctx context.Context) (quote.Quote, error)
	AssetName string

	mu    sync.Mutex
	calls int
}

// Fetch implements the Fetcher interface
func (m *MockFetcher) Fetch(ctx context.Context) (quote.Quote, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return quote.Quote{}, nil
}

// Asset implements the Fetcher interface
func (m *MockFetcher) Asset() string {
	if m.AssetName != "" {
		return m.AssetName
	}
	return "MOCK"
}

// Calls returns how many times Fetch was invoked.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// NewMockFetcher creates a mock that always returns the given quote and error.
func NewMockFetcher(q quote.Quote, err error) *MockFetcher {
	return &MockFetcher{
		AssetName: q.Asset,
		FetchFunc: func(ctx context.Context) (quote.Quote, error) {
			return q, err
		},
	}
}

// MustQuote builds a valid Quote or panics; for test fixtures only.
func MustQuote(asset, price, observedAt string) quote.Quote {
	p, err := decimal.NewFromString(price)
	if err != nil {
		panic(err)
	}
	ts, err := time.Parse(time.RFC3339, observedAt)
	if err != nil {
		panic(err)
	}
	q, err := quote.New(asset, p, ts)
	if err != nil {
		panic(err)
	}
	return q
}

// FakeStore is an in-memory Store with the same reject-duplicate semantics
// as the SQLite implementation, plus scriptable failure injection.
type FakeStore struct {
	AppendErr error

	mu      sync.Mutex
	records map[quote.Key]quote.Quote
}

func NewFakeStore() *FakeStore {
	return &FakeStore{records: make(map[quote.Key]quote.Quote)}
}

// Append implements the Store interface
func (f *FakeStore) Append(_ context.Context, q quote.Quote) (store.Result, error) {
	if f.AppendErr != nil {
		return "", f.AppendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := q.Key()
	if _, ok := f.records[key]; ok {
		return store.AlreadyExists, nil
	}
	f.records[key] = q
	return store.Appended, nil
}

// Close implements the Store interface
func (f *FakeStore) Close() error { return nil }

// Get returns the stored quote for key, if any.
func (f *FakeStore) Get(key quote.Key) (quote.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.records[key]
	return q, ok
}

// Len returns the number of stored records.
func (f *FakeStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
