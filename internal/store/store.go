package store

import (
	"context"
	"errors"

	"pricelog/internal/quote"
)

// Result is the outcome of an append attempt.
type Result string

const (
	// Appended means a new record was durably written.
	Appended Result = "appended"
	// AlreadyExists means a record for the same (asset, date) key was
	// already present and the store was left untouched. Re-running the job
	// on the same calendar day is expected to land here.
	AlreadyExists Result = "already_exists"
)

var (
	// ErrStoreUnavailable means the underlying storage could not be opened
	// or written. Fatal for the current run.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCorruptData means pre-existing store content failed structural
	// validation. Fatal for the current run; the store is never repaired
	// or truncated, the file is left exactly as found.
	ErrCorruptData = errors.New("corrupt store data")
)

// Store is an append-only price log with at most one record per
// (asset, UTC date) key. Appends are atomic: a record either fully lands or
// not at all, and two writers racing for the same key see exactly one
// Appended between them.
type Store interface {
	// Append records the quote under its (asset, date) key. If a record
	// already exists for the key it returns AlreadyExists and leaves the
	// prior record in place (reject-duplicate policy).
	Append(ctx context.Context, q quote.Quote) (Result, error)

	Close() error
}

// NoopStore satisfies Store without persisting anything. It backs dry-run
// mode, where the job exercises the fetch path but must leave no file behind.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) Append(_ context.Context, _ quote.Quote) (Result, error) {
	return Appended, nil
}

func (n *NoopStore) Close() error { return nil }
