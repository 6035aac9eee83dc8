// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"
)

// Client calls the service under test. When a validator is attached every
// response is checked against the OpenAPI document before it is returned.
type Client struct {
	t         *testing.T
	baseURL   string
	http      *http.Client
	validator *OpenAPIValidator
	header    http.Header
}

// NewClient returns a client bound to t. validator may be nil.
func NewClient(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	return &Client{
		t:         t,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 2 * time.Minute},
		validator: validator,
		header:    http.Header{},
	}
}

func (c *Client) with(key, value string) *Client {
	clone := *c
	clone.header = c.header.Clone()
	clone.header.Set(key, value)
	return &clone
}

// WithToken returns a copy that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	return c.with("Authorization", "Bearer "+token)
}

// WithOrigin returns a copy that sends a CORS Origin header.
func (c *Client) WithOrigin(origin string) *Client {
	return c.with("Origin", origin)
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

// POST sends body as JSON. A nil body sends no payload.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body)
}

// OPTIONS performs a CORS preflight request.
func (c *Client) OPTIONS(path string) (*http.Response, error) {
	return c.do(http.MethodOptions, path, nil)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header = c.header.Clone()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if c.validator != nil {
		c.validator.ValidateResponse(c.t, req, resp)
	}
	return resp, nil
}

// DecodeJSON decodes and closes the response body.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and closes the response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
