package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// proberUserAgent is the user agent string for connectivity probes
	proberUserAgent = "dentaflow-sync-agent/1.0"
)

// HTTPProber probes connectivity by issuing a lightweight GET against a
// well-known endpoint (typically the validation API's health path).
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for the given URL. If timeout is 0,
// DefaultProbeTimeout is used.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Probe implements Prober. Any transport error or 5xx status counts as
// offline; 4xx still proves the network path works.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", proberUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}
