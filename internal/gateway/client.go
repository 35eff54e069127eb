// Package gateway holds the HTTP clients for the credential and game-stats REST APIs, and the
// error classifier that turns their failures into apperror kinds.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geo-quiz/client/internal/apperror"
)

const maxErrorBody = 64 << 10

// Client is a JSON-over-HTTP client rooted at the API base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL (e.g. http://localhost:5000/api). timeout bounds each request;
// zero means 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP returns a Client using hc (e.g. an httptest server client).
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends body as JSON (if non-nil) with an optional bearer token and decodes a 2xx JSON response
// into out (if non-nil). Failures are returned as *apperror.Error classified for op.
func (c *Client) do(ctx context.Context, op Operation, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperror.Wrap(apperror.KindValidationFailed, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperror.Wrap(apperror.KindValidationFailed, "build request", err)
	}
	req.Header.Set("Accept", "application/json, application/problem+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Classify(op, resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if op == OpOAuth {
			return apperror.Wrap(apperror.KindOAuthFailed, "decode response", err)
		}
		return apperror.Wrap(apperror.KindNetworkUnavailable, fmt.Sprintf("decode %s response", op), err)
	}
	return nil
}
