// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultComputeTimeout bounds one call to the algorithm service.
const DefaultComputeTimeout = 30 * time.Minute

// DefaultStopPollInterval is how often a running HTTP call checks for a
// stop request.
const DefaultStopPollInterval = 2 * time.Second

// HTTPComputation runs algorithms on a remote service.
//
// # Description
//
// Each Run POSTs the Request as JSON to <baseURL>/<kind>/<algorithm>. A
// 2xx response is success; anything else is a failure that the state
// machine retries. While the call is in flight the stop signal is polled
// and a stop request cancels the call, which then returns ErrStopped.
//
// # Thread Safety
//
// HTTPComputation is safe for concurrent use.
type HTTPComputation struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPComputation creates a client for the algorithm service at baseURL.
// Outgoing requests carry trace context through an otelhttp transport.
func NewHTTPComputation(baseURL string) *HTTPComputation {
	return &HTTPComputation{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   DefaultComputeTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		pollInterval: DefaultStopPollInterval,
	}
}

// WithTimeout sets the per-call timeout.
func (c *HTTPComputation) WithTimeout(timeout time.Duration) *HTTPComputation {
	c.httpClient.Timeout = timeout
	return c
}

// WithPollInterval sets how often the stop signal is checked.
func (c *HTTPComputation) WithPollInterval(d time.Duration) *HTTPComputation {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

type computeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Run implements Computation.
func (c *HTTPComputation) Run(ctx context.Context, req Request, stop StopSignal) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal compute request: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	if stop != nil {
		go c.watchStop(callCtx, stop, cancel, stopped)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, req.Kind, req.Algorithm)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create compute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		select {
		case <-stopped:
			return ErrStopped
		default:
		}
		return fmt.Errorf("compute request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read compute response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("compute service returned status %d: %s", resp.StatusCode, truncate(respBody, 512))
	}

	var parsed computeResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		if parsed.Status == "stopped" {
			return ErrStopped
		}
		if parsed.Error != "" {
			return errors.New(parsed.Error)
		}
	}
	return nil
}

func (c *HTTPComputation) watchStop(ctx context.Context, stop StopSignal, cancel context.CancelFunc, stopped chan<- struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop.StopRequested(ctx) {
				close(stopped)
				cancel()
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
