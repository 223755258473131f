package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher issues one passive warm-up request.
type Fetcher interface {
	Fetch(ctx context.Context, url string) error
}

// HTTPFetcher GETs the URL and throws the body away; the point is to fill
// whatever cache sits in front of the tile server.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewHTTPFetcher(client *http.Client, timeout time.Duration, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, timeout: timeout, userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Purpose", "prefetch")
	req.Header.Set("Sec-Purpose", "prefetch")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	// drain so the connection goes back to the pool
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}
