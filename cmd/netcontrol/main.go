// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command netcontrol runs the batch entity lifecycle engine.
//
// # Commands
//
//   - serve: HTTP API, job workers and background maintenance
//   - sweep: run one maintenance cycle and exit
//   - reconcile: resubmit pending background tasks and exit
//   - audit verify: check the hash chain of the deletion audit log
//   - config: print the effective configuration
//
// # Configuration
//
// A YAML file given by --config (or NETCONTROL_CONFIG) is read first, then
// NETCONTROL_* environment variables override individual settings:
//
//   - NETCONTROL_PORT, NETCONTROL_DATA_DIR, NETCONTROL_IN_MEMORY
//   - NETCONTROL_LOG_LEVEL, NETCONTROL_LOG_FORMAT, NETCONTROL_LOG_FILE
//   - NETCONTROL_TRACE_EXPORTER, NETCONTROL_OTEL_ENDPOINT
//   - NETCONTROL_JOBS_BACKEND, NETCONTROL_JOBS_WORKERS, NETCONTROL_NATS_URL
//   - NETCONTROL_ALGORITHM_URL, NETCONTROL_MAX_RETRIES
//   - NETCONTROL_HOME_URL, NETCONTROL_WEBHOOK_URL
//   - NETCONTROL_TTL_INTERVAL, NETCONTROL_RETENTION, NETCONTROL_AUDIT_LOG,
//     NETCONTROL_TTL_DISABLED
//
// # Usage
//
//	go build -o netcontrol ./cmd/netcontrol
//	./netcontrol serve --config /etc/netcontrol.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
