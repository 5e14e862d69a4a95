// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// SendCompletionEmail implements Notifier.
func (n *LogNotifier) SendCompletionEmail(_ context.Context, recipient, itemID, itemName string, status datatypes.Status, detailURL, _ string) error {
	n.logger.Info("notify: completion",
		slog.String("recipient", recipient),
		slog.String("id", itemID),
		slog.String("name", itemName),
		slog.String("status", string(status)),
		slog.String("detail_url", detailURL))
	return nil
}

// CompletionMessage is the JSON body posted by WebhookNotifier.
type CompletionMessage struct {
	Recipient string           `json:"recipient"`
	ItemID    string           `json:"item_id"`
	ItemName  string           `json:"item_name"`
	Status    datatypes.Status `json:"status"`
	DetailURL string           `json:"detail_url"`
	HomeURL   string           `json:"home_url"`
}

// WebhookNotifier posts each notification to a mail relay endpoint.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendCompletionEmail implements Notifier.
func (n *WebhookNotifier) SendCompletionEmail(ctx context.Context, recipient, itemID, itemName string, status datatypes.Status, detailURL, homeURL string) error {
	body, err := json.Marshal(CompletionMessage{
		Recipient: recipient,
		ItemID:    itemID,
		ItemName:  itemName,
		Status:    status,
		DetailURL: detailURL,
		HomeURL:   homeURL,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// New returns the notifier selected by cfg.
func New(cfg Config, logger *slog.Logger) Notifier {
	if cfg.WebhookURL != "" {
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout)
	}
	return NewLogNotifier(logger)
}
