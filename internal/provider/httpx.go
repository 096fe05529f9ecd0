package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 4 << 20

// Call performs a bearer-authenticated JSON request and returns the raw body.
// Transport errors and non-2xx responses are classified; the caller decodes the body.
func Call(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %w", ErrProviderRejected, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %w", ErrProviderRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrProviderUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ErrProviderUnavailable, err)
	}

	if err := ClassifyStatus(resp.StatusCode, raw); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return raw, nil
}

// ClassifyStatus maps an HTTP status to a provider error, or nil for 2xx.
func ClassifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderUnavailable, status, TruncateBody(body))
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderRejected, status, TruncateBody(body))
	}
}

// ClassifyCode maps a business code embedded in a 200 response.
func ClassifyCode(code int, msg string) error {
	switch {
	case code == http.StatusOK || code == 0:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: code=%d msg=%s", ErrProviderUnavailable, code, msg)
	default:
		return fmt.Errorf("%w: code=%d msg=%s", ErrProviderRejected, code, msg)
	}
}

func TruncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
