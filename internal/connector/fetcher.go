package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves the raw payload for one upstream source. The payload is
// opaque to the connector; parsing belongs to the domain collaborators.
type Fetcher interface {
	Fetch(ctx context.Context, source Source) ([]byte, error)
}

// HTTPFetcher fetches source payloads over HTTP(S) with a bounded
// per-attempt timeout so one slow upstream cannot stall the scheduler.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source Source) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream %s returned status %d", source.Key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return body, nil
}
