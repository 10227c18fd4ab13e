// ABOUTME: HTTP webhook backend that posts each request as JSON to an automation endpoint
// ABOUTME: Non-2xx replies surface as StatusError, which the dispatcher treats as terminal

package responder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxResponseBytes bounds how much of a webhook reply is read.
const maxResponseBytes = 1 << 20

// StatusError captures non-2xx webhook responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// WebhookBackend calls an HTTP endpoint such as an n8n workflow.
type WebhookBackend struct {
	url        string
	httpClient *http.Client
}

// WebhookOption configures a WebhookBackend.
type WebhookOption func(*WebhookBackend)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) WebhookOption {
	return func(w *WebhookBackend) {
		w.httpClient = httpClient
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for endpoints
// with self-signed certificates.
func WithInsecureSkipVerify() WebhookOption {
	return func(w *WebhookBackend) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
		w.httpClient = &http.Client{Transport: transport}
	}
}

// NewWebhookBackend creates a backend posting to url. Timeouts come from the
// caller's context.
func NewWebhookBackend(url string, opts ...WebhookOption) *WebhookBackend {
	w := &WebhookBackend{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Call posts req and returns the raw response body.
func (w *WebhookBackend) Call(ctx context.Context, req *Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        w.url,
			Body:       truncate(strings.TrimSpace(string(body)), 200),
		}
	}

	return body, nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
