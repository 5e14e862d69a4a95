// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every environment override.
const envPrefix = "NETCONTROL_"

// loadConfig reads the YAML file at path (if any), then applies
// environment overrides. Unknown YAML keys are an error.
func loadConfig(path string) (engine.Config, error) {
	var cfg engine.Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays NETCONTROL_* variables onto cfg.
func applyEnv(cfg *engine.Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = strings.Trim(v, "\"' ")
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Port)
	str("GIN_MODE", &cfg.GinMode)
	str("DATA_DIR", &cfg.Storage.Path)
	flag("IN_MEMORY", &cfg.Storage.InMemory)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_FILE", &cfg.Logging.File)

	str("TRACE_EXPORTER", &cfg.Tracing.Exporter)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Tracing.Endpoint = v
	}
	str("OTEL_ENDPOINT", &cfg.Tracing.Endpoint)

	str("JOBS_BACKEND", &cfg.Jobs.Backend)
	num("JOBS_WORKERS", &cfg.Jobs.Workers)
	str("NATS_URL", &cfg.Jobs.JetStream.URL)

	str("ALGORITHM_URL", &cfg.Generation.AlgorithmURL)
	num("MAX_RETRIES", &cfg.Generation.MaxRetries)

	str("HOME_URL", &cfg.Notify.HomeURL)
	str("WEBHOOK_URL", &cfg.Notify.WebhookURL)

	dur("TTL_INTERVAL", &cfg.TTL.Interval)
	dur("RETENTION", &cfg.TTL.Retention)
	str("AUDIT_LOG", &cfg.TTL.AuditLogPath)
	flag("TTL_DISABLED", &cfg.TTL.Disabled)

	return errors.Join(errs...)
}
