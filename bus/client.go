// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wayfare-travel/wayfare/lib/codec"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the base URL of the event bus (e.g. "http://localhost:7320").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the Wayfare event bus over HTTP with CBOR bodies.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a bus client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("bus: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("bus: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Health checks that the bus is reachable and ready. Used as the
// fail-fast boot probe: the matching service refuses to start if this
// errors.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return fmt.Errorf("bus: health check failed: %w", err)
	}
	return nil
}

// Publish sends one event to its topic. The bus deduplicates on
// EventID, so retrying a timed-out Publish with the same envelope is
// safe.
func (c *Client) Publish(ctx context.Context, event Envelope) error {
	if event.Topic == "" {
		return fmt.Errorf("bus: publish: Topic is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("bus: publish: EventID is required")
	}

	path := "/v1/topics/" + url.PathEscape(event.Topic) + "/events"
	if _, err := c.doRequest(ctx, http.MethodPost, path, event); err != nil {
		return fmt.Errorf("bus: publishing to %s: %w", event.Topic, err)
	}
	return nil
}

// Consume long-polls for the next batch of events for a consumer
// group. An empty batch after the wait window is a normal return, not
// an error.
func (c *Client) Consume(ctx context.Context, request ConsumeRequest) (*ConsumeResponse, error) {
	if request.Group == "" {
		return nil, fmt.Errorf("bus: consume: Group is required")
	}

	path := "/v1/groups/" + url.PathEscape(request.Group) + "/events" +
		"?wait_ms=" + strconv.FormatInt(request.Wait.Milliseconds(), 10)
	if request.Cursor != "" {
		path += "&cursor=" + url.QueryEscape(request.Cursor)
	}

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: consuming for group %s: %w", request.Group, err)
	}

	var response ConsumeResponse
	if err := codec.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bus: parsing consume response: %w", err)
	}
	return &response, nil
}

// doRequest performs an HTTP request with an optional CBOR body and
// returns the response body. Non-2xx responses decode into *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/cbor")
	}
	request.Header.Set("Accept", "application/cbor")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		busErr := &Error{StatusCode: response.StatusCode}
		if decodeErr := codec.Unmarshal(body, busErr); decodeErr != nil || busErr.Code == "" {
			busErr.Code = "UNKNOWN"
			busErr.Message = fmt.Sprintf("HTTP %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, busErr
	}

	return body, nil
}
