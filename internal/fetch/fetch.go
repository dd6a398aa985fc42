// Package fetch retrieves remote Canvas calendar feeds with a bounded
// timeout and response size.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds one feed download end to end.
const DefaultTimeout = 15 * time.Second

// DefaultMaxBytes caps a downloaded feed at 5 MiB, matching the upload limit.
const DefaultMaxBytes = 5 * 1024 * 1024

// Fetcher downloads calendar feeds over HTTPS.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New constructs a fetcher. Zero values fall back to the defaults.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Calendar downloads the feed at rawURL and returns its body. Only http and
// https URLs are accepted; oversized responses are rejected rather than
// truncated.
func (f *Fetcher) Calendar(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse calendar url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch calendar: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read calendar body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("calendar feed exceeds %d bytes", f.maxBytes)
	}
	return body, nil
}
