package runner

import (
	"github.com/shopspring/decimal"

	"pricelog/internal/quote"
)

// Status is the terminal state of one job invocation.
type Status string

const (
	StatusAppended           Status = "appended"
	StatusAlreadyExists      Status = "already_exists"
	StatusTransientExhausted Status = "transient_exhausted"
	StatusPermanentFailure   Status = "permanent_failure"
	StatusStoreUnavailable   Status = "store_unavailable"
	StatusCorruptData        Status = "corrupt_data"
	StatusTimeout            Status = "timeout"
)

// Outcome is the result of a single pass through the job: what happened,
// which record key it concerned, and why. Exactly one Outcome is produced
// and logged per invocation.
type Outcome struct {
	Status   Status
	Key      quote.Key
	Price    decimal.Decimal
	Attempts int
	Reason   string

	// Backfill counters; zero for single-quote runs.
	BackfillAppended int
	BackfillSkipped  int
}

// Success reports whether the invocation reached a success terminal state.
// AlreadyExists counts as success: re-running on the same day is a no-op by
// design, not an error.
func (o Outcome) Success() bool {
	return o.Status == StatusAppended || o.Status == StatusAlreadyExists
}

// ExitCode maps the terminal state to the process exit status.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusAppended, StatusAlreadyExists:
		return 0
	case StatusTransientExhausted:
		return 2
	case StatusPermanentFailure:
		return 3
	case StatusStoreUnavailable:
		return 4
	case StatusCorruptData:
		return 5
	case StatusTimeout:
		return 6
	default:
		return 1
	}
}
