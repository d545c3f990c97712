package deployment

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// HTTPHealthChecker probes a downstream service's health endpoint: success
// requires HTTP 200 and, if wantContains is non-empty, that substring
// present in the response body.
type HTTPHealthChecker struct {
	client *http.Client
}

func NewHTTPHealthChecker() *HTTPHealthChecker {
	return &HTTPHealthChecker{client: &http.Client{}}
}

func (c *HTTPHealthChecker) Check(ctx context.Context, url, wantContains string) error {
	if url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "building health check request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "health check request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.KindTransport, "health check returned non-200 status").
			WithDetails(map[string]string{"status": resp.Status})
	}
	if wantContains != "" && !strings.Contains(string(body), wantContains) {
		return errs.New(errs.KindTransport, "health check body predicate did not match")
	}
	return nil
}

var _ HealthChecker = (*HTTPHealthChecker)(nil)
