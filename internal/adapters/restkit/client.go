// Package restkit is the shared HTTP plumbing for REST-backed provider
// adapters. It handles auth headers, JSON codec, deadline propagation, and
// maps downstream status codes onto the gateway failure taxonomy.
package restkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/atlasops/bizgateway/internal/providers"
)

// Client wraps one downstream REST API.
type Client struct {
	providerType string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
}

func NewClient(providerType, baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("restkit: base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("restkit: parse base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		providerType: providerType,
		baseURL:      trimmed,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// DoJSON performs a JSON request against path and decodes the response body.
// Per-call deadlines come from ctx; non-2xx responses become classified
// provider errors.
func (c *Client) DoJSON(ctx context.Context, operation, method, path string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, providers.NewPreFlightError(c.providerType, operation, "encode", err.Error(), err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, providers.NewPreFlightError(c.providerType, operation, "request", err.Error(), err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, c.classifyTransportError(operation, err)
	}
	defer resp.Body.Close()

	payload, decodeErr := decodeBody(resp.Body)

	if resp.StatusCode >= 400 {
		class := providers.ClassFromStatus(resp.StatusCode)
		msg := messageFrom(payload, resp.StatusCode)
		return resp.StatusCode, payload, providers.NewError(
			c.providerType, operation, class, fmt.Sprintf("http_%d", resp.StatusCode), msg, nil)
	}
	if decodeErr != nil {
		return resp.StatusCode, nil, providers.NewError(
			c.providerType, operation, providers.ClassTransient, "decode", decodeErr.Error(), decodeErr)
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) classifyTransportError(operation string, err error) error {
	class := providers.ClassTransient
	if errors.Is(err, context.Canceled) {
		class = providers.ClassPermanent
	}
	code := "network"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		code = "timeout"
	}
	return providers.NewError(c.providerType, operation, class, code, err.Error(), err)
}

func decodeBody(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func messageFrom(payload map[string]any, status int) string {
	if payload != nil {
		for _, key := range []string{"error", "message", "detail"} {
			if v, ok := payload[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return http.StatusText(status)
}

// PathParam extracts a required string parameter used in a URL path.
func PathParam(params providers.Params, key string) (string, bool) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return url.PathEscape(strings.TrimSpace(v)), true
}
