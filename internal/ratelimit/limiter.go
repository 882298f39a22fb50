package ratelimit

import (
	"context"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// API represents the external price APIs we talk to.
type API string

const (
	// APICoinGecko represents the CoinGecko simple-price API
	APICoinGecko API = "coingecko"
	// APICryptoCompare represents the CryptoCompare histoday API
	APICryptoCompare API = "cryptocompare"
)

// Limiter manages rate limits for the external APIs. The scheduled job only
// makes one request per invocation, but backfill pages through history and
// must stay under the free-tier limits.
type Limiter struct {
	limiters map[API]*rate.Limiter
	mu       sync.RWMutex
}

var (
	instance *Limiter
	once     sync.Once
)

// GetLimiter returns the singleton rate limiter instance
func GetLimiter() *Limiter {
	once.Do(func() {
		instance = &Limiter{
			limiters: make(map[API]*rate.Limiter),
		}
		instance.initLimiters()
	})
	return instance
}

// initLimiters initializes rate limiters for each API with conservative defaults
func (l *Limiter) initLimiters() {
	// Unlimited in test mode so httptest-backed tests run at full speed.
	if os.Getenv("GO_TESTING") == "1" || isTestMode() {
		l.limiters[APICoinGecko] = rate.NewLimiter(rate.Inf, 1)
		l.limiters[APICryptoCompare] = rate.NewLimiter(rate.Inf, 1)
		return
	}

	// CoinGecko free tier: ~30 requests per minute. One every 2s is safe.
	l.limiters[APICoinGecko] = rate.NewLimiter(rate.Limit(0.5), 1)

	// CryptoCompare free tier is generous; 4/s keeps backfill paging polite.
	l.limiters[APICryptoCompare] = rate.NewLimiter(rate.Limit(4), 1)
}

// isTestMode checks if we're running in test mode
func isTestMode() bool {
	for _, arg := range os.Args {
		if len(arg) > 6 && arg[:6] == "-test." {
			return true
		}
	}
	return false
}

// Wait blocks until the rate limiter permits an event for the given API.
// It returns an error if the context is canceled before the event can proceed.
func (l *Limiter) Wait(ctx context.Context, api API) error {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event for the given API may happen now
func (l *Limiter) Allow(api API) bool {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		return true
	}

	return limiter.Allow()
}
