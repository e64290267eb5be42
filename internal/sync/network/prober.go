package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// HTTPProber checks reachability with an uncached HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for url using http.DefaultClient.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: http.DefaultClient}
}

// Probe succeeds on any 2xx or 3xx response. The deadline comes from ctx.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrProbeFailed, "failed to build probe request", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	// Redirects count as reachable; do not follow them.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := c.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrProbeFailed, "probe request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return apperrors.New(apperrors.ErrProbeFailed, fmt.Sprintf("probe returned status %d", resp.StatusCode))
	}
	return nil
}
