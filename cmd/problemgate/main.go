// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command problemgate runs the problem-response negotiation service.
//
// The serve subcommand starts an HTTP server that renders error bodies
// in the wire format each client can handle, driven by a rollout policy
// loaded from YAML and environment variables. The validate subcommand
// checks a policy file without starting the server.
//
// # Environment Variables
//
//   - PROBLEMGATE_MODE: rollout mode override (disabled, legacy-only,
//     hybrid, opt-in, opt-out, enabled)
//   - PROBLEMGATE_ENV: deployment environment label for telemetry
//   - OTEL_METRICS_EXPORTER: prometheus (default), stdout, or none
//
// See services/negotiator/config.go for the full override list.
//
// # Usage
//
//	# Build
//	go build -o problemgate ./cmd/problemgate
//
//	# Run with a policy file, reloading on change
//	./problemgate serve --config policy.yaml --watch
//
//	# Check a policy file
//	./problemgate validate policy.yaml
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
