// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient wraps an *http.Client with exponential-backoff
// retry for the one transport MAICE talks to directly: Ollama's local
// /api/chat endpoint (pkg/llm/ollama.go). Hosted providers go through
// their own SDKs and never touch this package, so it carries none of
// the rate-limit-header parsing or multi-strategy dispatch a
// multi-provider client would need — just retry a request body a
// bounded number of times with growing, jittered delay.
package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Client retries requests against a single backend with exponential
// backoff, replaying the request body on each attempt.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets the maximum number of retries after the initial
// attempt.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

// WithBaseDelay sets the starting delay for exponential backoff; each
// subsequent retry doubles it up to maxDelay.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// New creates a Client with the given options. Defaults match the
// teacher's conservative values: 5 retries, 2s base delay, 60s cap.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 5,
		baseDelay:  2 * time.Second,
		maxDelay:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes req, retrying on network errors and 429/5xx responses
// with exponential backoff and jitter. The request body is buffered
// up front so it can be replayed on every attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read request body: %w", err)
		}
		req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.client.Do(req)
		if err == nil && !shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			resp.Body.Close()
		}

		if attempt >= c.maxRetries {
			break
		}

		delay := c.backoff(attempt)
		slog.Warn("ollama request failed, retrying",
			"attempt", attempt+1, "max", c.maxRetries, "delay", delay, "error", lastErr)
		time.Sleep(delay)
	}

	return nil, &RetryableError{Attempts: c.maxRetries + 1, Err: lastErr}
}

func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
	d := delay + jitter
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}
