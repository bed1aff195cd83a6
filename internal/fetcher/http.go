package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/WesGarrett/Medallion-Warehouse/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSec throttles downloads from a single fetcher. Zero means unlimited.
	RequestsPerSec float64
	// Backoff overrides the base retry delay. Zero uses the resilience default.
	Backoff time.Duration
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "medallion/1.0"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: limiter,
	}
}

// Download fetches the URL and returns the response body. 429 and 5xx
// responses are retried with backoff; any other non-200 status fails.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = f.opts.MaxRetries
	if f.opts.Backoff > 0 {
		cfg.InitialBackoff = f.opts.Backoff
	}
	cfg.OnRetry = resilience.RetryLogger("fetcher.http", rawURL)

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (io.ReadCloser, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "download"))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_ = resp.Body.Close()
			return nil, resilience.NewTransientError(eris.Errorf("download: http %d from %s", resp.StatusCode, rawURL))
		default:
			_ = resp.Body.Close()
			return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
		}
	})
}
