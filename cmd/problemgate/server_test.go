// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/problemgate/problemgate/pkg/logging"
	"github.com/problemgate/problemgate/services/negotiator"
)

// newTestServer builds a server without starting a listener; requests
// go straight to the router.
func newTestServer(t *testing.T, cfg serverConfig) *server {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true, Service: "test"})
	t.Cleanup(func() { _ = logger.Close() })

	s, err := newServer(cfg, logger)
	require.NoError(t, err)
	return s
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func doRequest(t *testing.T, s *server, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ============================================================================
// Health and Metrics Tests
// ============================================================================

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "hybrid", body["mode"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ============================================================================
// Statistics Tests
// ============================================================================

func TestServer_StatisticsCountDemoRequests(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	for i := 0; i < 3; i++ {
		doRequest(t, s, http.MethodGet, "/demo/not-found", "", map[string]string{
			"User-Agent": "httpx/0.27.0",
		})
	}

	w := doRequest(t, s, http.MethodGet, "/v1/statistics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats negotiator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(3), stats.Total)
	assert.Equal(t, uint64(3), stats.ByTier["Modern"])
}

func TestServer_ResetStatistics(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	doRequest(t, s, http.MethodGet, "/demo/not-found", "", nil)

	w := doRequest(t, s, http.MethodDelete, "/v1/statistics", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/statistics", "", nil)
	var stats negotiator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Zero(t, stats.Total)
}

// ============================================================================
// Reload Tests
// ============================================================================

func TestServer_ReloadWithoutConfigFile(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodPost, "/v1/reload", "", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "Reload Unavailable", body["title"])
}

func TestServer_ReloadAppliesNewPolicy(t *testing.T) {
	path := writeConfig(t, "mode: hybrid\n")
	s := newTestServer(t, serverConfig{ConfigPath: path})

	require.NoError(t, os.WriteFile(path, []byte("mode: legacy-only\n"), 0600))

	w := doRequest(t, s, http.MethodPost, "/v1/reload", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "legacy-only", body["mode"])
	assert.Equal(t, negotiator.ModeLegacyOnly, s.manager.Policy().Mode)
}

func TestServer_ReloadBadConfigKeepsPolicy(t *testing.T) {
	path := writeConfig(t, "mode: hybrid\n")
	s := newTestServer(t, serverConfig{ConfigPath: path})

	require.NoError(t, os.WriteFile(path, []byte("mode: bogus\n"), 0600))

	w := doRequest(t, s, http.MethodPost, "/v1/reload", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, negotiator.ModeHybrid, s.manager.Policy().Mode)
}

// ============================================================================
// Client Registry Tests
// ============================================================================

func TestServer_RegisterListUnregisterClient(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodPost, "/v1/clients",
		`{"pattern":"acme-","tier":"legacy"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "acme-", body["pattern"])
	assert.Equal(t, "Legacy", body["tier"])

	w = doRequest(t, s, http.MethodGet, "/v1/clients", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJSON(t, w)
	clients, ok := list["clients"].([]any)
	require.True(t, ok)
	assert.Len(t, clients, 1)

	w = doRequest(t, s, http.MethodDelete, "/v1/clients?pattern=acme-", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/clients", "", nil)
	list = decodeJSON(t, w)
	assert.Empty(t, list["clients"])
}

func TestServer_RegisterClientValidation(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{}`},
		{"unknown tier", `{"pattern":"x","tier":"platinum"}`},
		{"not json", `pattern=x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/v1/clients", tt.body, nil)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			body := decodeJSON(t, w)
			assert.Equal(t, "Invalid Request", body["title"])
		})
	}
}

func TestServer_UnregisterClientRequiresPattern(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodDelete, "/v1/clients", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestServer_UnregisterUnknownClient(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodDelete, "/v1/clients?pattern=ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================================================
// Config Warnings Tests
// ============================================================================

func TestServer_ConfigWarnings(t *testing.T) {
	// The production preset intentionally ships a deprecation date
	// without a migration URL.
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/v1/config/warnings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	warnings, ok := body["warnings"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, warnings)
}

func TestServer_ConfigWarningsCleanPolicy(t *testing.T) {
	path := writeConfig(t, "deprecation:\n  enabled: false\n")
	s := newTestServer(t, serverConfig{ConfigPath: path})

	w := doRequest(t, s, http.MethodGet, "/v1/config/warnings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	warnings, ok := body["warnings"].([]any)
	require.True(t, ok)
	assert.Empty(t, warnings)
}

// ============================================================================
// Demo Route Tests
// ============================================================================

func TestServer_DemoNotFoundNegotiatesFormat(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	modern := doRequest(t, s, http.MethodGet, "/demo/not-found", "", map[string]string{
		"User-Agent": "httpx/0.27.0",
	})
	assert.Equal(t, http.StatusNotFound, modern.Code)
	assert.Contains(t, modern.Header().Get("Content-Type"), "application/problem+json")
	body := decodeJSON(t, modern)
	assert.Equal(t, "The requested widget was not found", body["detail"])

	legacy := doRequest(t, s, http.MethodGet, "/demo/not-found", "", map[string]string{
		"User-Agent": "old-client/1.0",
	})
	assert.Equal(t, http.StatusNotFound, legacy.Code)
	legacyBody := decodeJSON(t, legacy)
	assert.Equal(t, float64(404), legacyBody["status_code"])
}

func TestServer_DemoValidation(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/demo/validation", "", map[string]string{
		"User-Agent": "httpx/0.27.0",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["error_count"])

	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	first, ok := errs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/items/0/quantity", first["field"])
}

func TestServer_DemoRateLimit(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/demo/rate-limit?retry_after=5", "", map[string]string{
		"User-Agent": "httpx/0.27.0",
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	body := decodeJSON(t, w)
	assert.Equal(t, float64(5), body["retry_after"])
}

func TestServer_DemoPanicRendersInternal(t *testing.T) {
	s := newTestServer(t, serverConfig{})

	w := doRequest(t, s, http.MethodGet, "/demo/panic", "", map[string]string{
		"User-Agent": "httpx/0.27.0",
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "An unexpected error occurred", body["detail"])
	assert.NotEmpty(t, body["error_id"])
}

// ============================================================================
// Constructor Tests
// ============================================================================

func TestNewServer_BadConfigPath(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	logger := logging.New(logging.Config{Quiet: true})
	defer logger.Close()

	_, err := newServer(serverConfig{ConfigPath: "/does/not/exist.yaml"}, logger)
	assert.Error(t, err)
}

func TestNewServer_WatcherOnlyWithConfigPath(t *testing.T) {
	s := newTestServer(t, serverConfig{Watch: true})
	assert.Nil(t, s.watcher, "watch without a config path is a no-op")

	path := writeConfig(t, "mode: hybrid\n")
	s = newTestServer(t, serverConfig{ConfigPath: path, Watch: true})
	require.NotNil(t, s.watcher)
	assert.NoError(t, s.watcher.Stop())
}
