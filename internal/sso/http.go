package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
)

// StatusError is a non-200 HTTP response from a provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// transport is the shared HTTP plumbing used by every driver.
type transport struct {
	client *http.Client
	logger *zap.Logger
}

func newTransport(timeout time.Duration, logger *zap.Logger) transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return transport{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (t transport) getJSON(ctx context.Context, rawURL string, headers map[string]string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.do(req, dest)
}

func (t transport) postForm(ctx context.Context, rawURL string, form url.Values, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	return t.do(req, dest)
}

func (t transport) postJSON(ctx context.Context, rawURL string, body any, headers map[string]string, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.do(req, dest)
}

// do executes req and decodes a 200 response into dest. Non-200 responses
// return a StatusError; dest is still decoded when the body is JSON so
// drivers can read provider error codes.
func (t transport) do(req *http.Request, dest any) error {
	target := logging.RedactURL(req.URL.String())
	t.logger.Debug("sso request", zap.String("method", req.Method), zap.String("url", target))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	decodeErr := json.Unmarshal(body, dest)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: logging.RedactString(truncate(string(body), 256))}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// withQuery appends params to base.
func withQuery(base string, params url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}
