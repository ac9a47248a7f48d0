// Package reliability holds the retry policy shared by the outbound HTTP
// clients (search and chat completion providers).
package reliability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IsRetryableStatus classifies upstream HTTP status codes worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Backoff computes a deterministic capped exponential backoff duration.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// DoWithRetry issues the request produced by build, retrying transport errors
// and retryable statuses with capped backoff. build runs once per attempt so
// the request body can be re-read. The caller closes the returned body.
func DoWithRetry(ctx context.Context, client *http.Client, attempts int, base, cap time.Duration, build func() (*http.Request, error)) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Backoff(attempt-1, base, cap)); err != nil {
				return nil, err
			}
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if IsRetryableStatus(resp.StatusCode) && attempt < attempts-1 {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
