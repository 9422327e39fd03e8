// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/problemgate/problemgate/pkg/logging"
	"github.com/problemgate/problemgate/pkg/problem"
	"github.com/problemgate/problemgate/services/negotiator"
	"github.com/problemgate/problemgate/services/negotiator/middleware"
	"github.com/problemgate/problemgate/services/negotiator/telemetry"
	"go.opentelemetry.io/otel"
)

// shutdownGrace bounds how long in-flight requests may run after a
// termination signal.
const shutdownGrace = 10 * time.Second

// serverConfig carries the serve command's flags.
type serverConfig struct {
	// ConfigPath is the policy YAML file, "" for the production preset.
	ConfigPath string

	// Listen is the HTTP listen address.
	Listen string

	// Watch enables hot reload of ConfigPath.
	Watch bool
}

// server bundles the negotiation manager with its HTTP surface.
//
// Description:
//
//	The manager owns all negotiation state; the server only translates
//	HTTP requests into manager calls. Telemetry and the config watcher
//	are optional attachments torn down on shutdown.
type server struct {
	config  serverConfig
	manager *negotiator.Manager
	metrics *telemetry.Metrics
	watcher *negotiator.ConfigWatcher
	router  *gin.Engine
	logger  *logging.Logger

	telemetryShutdown func(context.Context) error
}

// newServer loads the policy, wires telemetry, and builds the router.
//
// Inputs:
//   - cfg: serve command flags.
//   - logger: destination for all server logs. Must not be nil.
//
// Outputs:
//   - *server: ready to run.
//   - error: non-nil when the policy cannot be loaded or telemetry
//     cannot be initialized.
func newServer(cfg serverConfig, logger *logging.Logger) (*server, error) {
	policy, err := negotiator.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	telemetryShutdown, err := telemetry.Init(context.Background(), telemetry.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	meter := otel.GetMeterProvider().Meter("problemgate")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	manager := negotiator.New(policy,
		negotiator.WithLogger(logger.Slog()),
		negotiator.WithDecisionHook(func(d negotiator.Decision) {
			metrics.ObserveDecision(context.Background(),
				string(d.Format), d.Tier.String(), d.Reason)
			// Every rendered decision is followed by exactly one
			// conversion to the decided format.
			metrics.ObserveConversion(context.Background(), string(d.Format))
		}),
	)

	if err := telemetry.RegisterCacheMetrics(meter, func() (int64, int64) {
		stats := manager.Statistics()
		return stats.CacheHits, stats.CacheMisses
	}); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	for _, warning := range manager.ValidateConfig() {
		logger.Warn("Policy warning", "warning", warning)
	}

	s := &server{
		config:            cfg,
		manager:           manager,
		metrics:           metrics,
		logger:            logger,
		telemetryShutdown: telemetryShutdown,
	}
	s.initRouter()

	if cfg.Watch && cfg.ConfigPath != "" {
		watcher, err := negotiator.NewConfigWatcher(cfg.ConfigPath, manager, logger.Slog())
		if err != nil {
			return nil, fmt.Errorf("init config watcher: %w", err)
		}
		s.watcher = watcher
	}

	return s, nil
}

// run serves HTTP until SIGINT/SIGTERM, then drains connections.
func (s *server) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.watcher != nil {
		go func() {
			if err := s.watcher.Start(ctx); err != nil {
				s.logger.Error("Config watcher stopped", "error", err)
			}
		}()
		defer s.watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening",
			"addr", s.config.Listen,
			"mode", s.manager.Policy().Mode.String(),
			"watch", s.watcher != nil,
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Shutdown error", "error", err)
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(shutdownCtx); err != nil {
			s.logger.Warn("Telemetry shutdown error", "error", err)
		}
	}
	return nil
}

// initRouter creates the Gin engine and registers all routes.
func (s *server) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Logger())
	s.router.Use(middleware.ProblemRenderer(s.manager,
		middleware.WithLogger(s.logger.Slog()),
	))

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/statistics", s.handleStatistics)
		v1.DELETE("/statistics", s.handleResetStatistics)
		v1.POST("/reload", s.handleReload)
		v1.GET("/clients", s.handleListClients)
		v1.POST("/clients", s.handleRegisterClient)
		v1.DELETE("/clients", s.handleUnregisterClient)
		v1.GET("/config/warnings", s.handleConfigWarnings)
	}

	// Demo routes exercising the renderer end to end.
	demo := s.router.Group("/demo")
	{
		demo.GET("/not-found", s.handleDemoNotFound)
		demo.GET("/validation", s.handleDemoValidation)
		demo.GET("/rate-limit", s.handleDemoRateLimit)
		demo.GET("/panic", s.handleDemoPanic)
	}
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   s.manager.Policy().Mode.String(),
	})
}

func (s *server) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Statistics())
}

func (s *server) handleResetStatistics(c *gin.Context) {
	s.manager.ResetStatistics()
	c.Status(http.StatusNoContent)
}

// handleReload re-reads the policy file. A parse failure keeps the
// current policy and reports the error.
func (s *server) handleReload(c *gin.Context) {
	if s.config.ConfigPath == "" {
		middleware.AbortWithProblem(c, problem.MustNew(
			problem.TypeValidation, "Reload Unavailable", http.StatusConflict,
			"the server was started without a config file"))
		return
	}

	err := s.manager.Reload(s.config.ConfigPath)
	s.metrics.ObserveReload(c.Request.Context(), err == nil)
	if err != nil {
		middleware.AbortWithProblem(c, problem.MustNew(
			problem.TypeValidation, "Reload Failed", http.StatusUnprocessableEntity,
			err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mode":     s.manager.Policy().Mode.String(),
		"warnings": s.manager.ValidateConfig(),
	})
}

func (s *server) handleListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": s.manager.Clients()})
}

// registerClientRequest is the POST /v1/clients body.
type registerClientRequest struct {
	Pattern string `json:"pattern" binding:"required"`
	Tier    string `json:"tier" binding:"required"`
}

func (s *server) handleRegisterClient(c *gin.Context) {
	var req registerClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, "body must include pattern and tier", err)
		return
	}

	tier, err := negotiator.ParseTier(req.Tier)
	if err != nil {
		abortValidation(c, "unknown tier", err)
		return
	}

	if err := s.manager.RegisterClient(req.Pattern, tier); err != nil {
		abortValidation(c, "invalid pattern", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pattern": req.Pattern, "tier": tier.String()})
}

func (s *server) handleUnregisterClient(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		abortValidation(c, "pattern query parameter is required", nil)
		return
	}

	if !s.manager.UnregisterClient(pattern) {
		middleware.AbortWithProblem(c, problem.NewNotFound("client registration", c.Request.URL.Path))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleConfigWarnings(c *gin.Context) {
	warnings := s.manager.ValidateConfig()
	if warnings == nil {
		warnings = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings})
}

func (s *server) handleDemoNotFound(c *gin.Context) {
	middleware.AbortWithProblem(c, problem.NewNotFound("widget", c.Request.URL.Path))
}

func (s *server) handleDemoValidation(c *gin.Context) {
	d, err := problem.NewValidation("request validation failed", []problem.FieldError{
		{
			Field:   problem.PointerFromPath("items", "0", "quantity"),
			Message: "must be a positive integer",
			Type:    "int_parsing",
		},
	}, problem.WithInstance(c.Request.URL.Path))
	if err != nil {
		middleware.AbortWithProblem(c, problem.NewInternal(uuid.NewString()))
		return
	}
	middleware.AbortWithProblem(c, d)
}

func (s *server) handleDemoRateLimit(c *gin.Context) {
	retry := 30 * time.Second
	if raw := c.Query("retry_after"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			retry = time.Duration(secs) * time.Second
		}
	}
	d := problem.NewRateLimit(retry)
	c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
	middleware.AbortWithProblem(c, d)
}

func (s *server) handleDemoPanic(c *gin.Context) {
	panic("demo panic")
}

// abortValidation renders a 422 problem for malformed admin input.
func abortValidation(c *gin.Context, detail string, err error) {
	if err != nil {
		detail = detail + ": " + err.Error()
	}
	middleware.AbortWithProblem(c, problem.MustNew(
		problem.TypeValidation, "Invalid Request", http.StatusUnprocessableEntity,
		detail, problem.WithInstance(c.Request.URL.Path)))
}
