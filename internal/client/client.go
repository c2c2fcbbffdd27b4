// Package client talks to a running car-forecast HTTP bridge.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"car-forecast/internal/pipeline"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx reply from the bridge.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: %d %s", e.StatusCode, e.Message)
}

// HealthStatus is the /health reply.
type HealthStatus struct {
	OK            bool   `json:"ok"`
	Backend       string `json:"backend"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type Client struct {
	base string
	rest *resty.Client
}

// New creates a client for the bridge at base (e.g. http://localhost:3001).
func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(60 * time.Second) // default fallback
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

// Predict posts payload to /api/predict. payload may be raw JSON bytes or
// any value that marshals to a JSON object.
func (c *Client) Predict(ctx context.Context, payload any) (*pipeline.Result, error) {
	result := &pipeline.Result{}
	apiErr := &pipeline.ErrorResponse{}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(result).
		SetError(apiErr).
		Post(c.base + "/api/predict")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}

	return result, nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(status).
		Get(c.base + "/health")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	return status, nil
}
