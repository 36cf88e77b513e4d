package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBytes bounds the size of a fetched GPX file.
const DefaultMaxBytes = 32 << 20

var ErrTooLarge = errors.New("fetch: response too large")

type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: HTTP %d for %s", e.StatusCode, e.URL)
}

// Fetcher downloads GPX files over HTTP, waiting on Limiter before each
// request.
type Fetcher struct {
	Client    *http.Client
	Limiter   *rate.Limiter
	UserAgent string
	MaxBytes  int64
}

func NewFetcher(rps float64, burst int, timeout time.Duration) *Fetcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		Client: &http.Client{
			Timeout: timeout,
		},
		Limiter:   rate.NewLimiter(limit, burst),
		UserAgent: "route-metrics/1.0",
		MaxBytes:  DefaultMaxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	max := f.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, ErrTooLarge
	}
	return body, nil
}
