package fetcher

import (
	"time"

	"resty.dev/v3"
)

// defaultRequestTimeout bounds the single outbound attempt a Fetcher makes.
// The whole-invocation deadline is separate and owned by the job runner.
const defaultRequestTimeout = 10 * time.Second

// NewHTTPClient creates an HTTP client for a price source. Retries are
// deliberately disabled on the transport: a Fetcher performs one attempt per
// call and the job runner decides whether a failure is worth retrying.
func NewHTTPClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(defaultRequestTimeout).
		SetRetryCount(0)
}
