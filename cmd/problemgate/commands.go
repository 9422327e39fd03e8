// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/problemgate/problemgate/pkg/logging"
	"github.com/problemgate/problemgate/services/negotiator"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "problemgate",
		Short: "Rollout-aware error response negotiation service",
		Long: `Problemgate renders API error bodies in the wire format each
client can handle. A rollout policy decides who receives RFC 7807
problem+json and who stays on the legacy shape until migration
completes.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the negotiation HTTP server",
		Long: `Starts the HTTP server with the admin API, demo error routes,
and a Prometheus /metrics endpoint. With --watch the policy file is
reloaded on change; a reload that fails to parse keeps the previous
policy.`,
		RunE: runServe,
	}

	validateCmd = &cobra.Command{
		Use:   "validate [policy file]",
		Short: "Check a policy file and print advisory warnings",
		Long: `Loads the policy file (plus any PROBLEMGATE_* environment
overrides) and prints advisory warnings. Exits non-zero when the file
cannot be parsed; warnings alone do not fail the check.`,
		Args: cobra.ExactArgs(1),
		RunE: runValidate,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Fetch negotiation statistics from a running server",
		RunE:  runStats,
	}

	configPath string
	listenAddr string
	watchFlag  bool
	logLevel   string
	logJSON    bool
	logDir     string
	serverURL  string
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "policy YAML file (default: production preset)")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":12400", "listen address")
	serveCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "reload the policy file on change")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "log to stderr in JSON format")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	statsCmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:12400", "server base URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		JSON:    logJSON,
		LogDir:  logDir,
		Service: "problemgate",
	})
	defer logger.Close()

	srv, err := newServer(serverConfig{
		ConfigPath: configPath,
		Listen:     listenAddr,
		Watch:      watchFlag,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		return err
	}

	return srv.run()
}

func runValidate(cmd *cobra.Command, args []string) error {
	policy, err := negotiator.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy: %v\n", err)
		return err
	}

	warnings := policy.Validate(time.Now())
	if len(warnings) == 0 {
		fmt.Printf("%s: ok (mode %s)\n", args[0], policy.Mode)
		return nil
	}

	fmt.Printf("%s: ok (mode %s), %d warning(s):\n", args[0], policy.Mode, len(warnings))
	for _, w := range warnings {
		fmt.Printf("  - %s\n", w)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/v1/statistics")
	if err != nil {
		return fmt.Errorf("fetch statistics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch statistics: server returned %s", resp.Status)
	}

	var stats negotiator.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode statistics: %w", err)
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
