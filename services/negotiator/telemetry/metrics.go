// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined adoption metrics for the negotiation
// engine. All metrics use the "problemgate_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// DecisionsTotal counts format decisions by format, tier, and reason.
	DecisionsTotal metric.Int64Counter

	// ConversionsTotal counts problem conversions by target format.
	ConversionsTotal metric.Int64Counter

	// ReloadsTotal counts policy reloads by outcome.
	ReloadsTotal metric.Int64Counter
}

// NewMetrics registers the engine metrics with the provided meter.
//
// Example:
//
//	meter := otel.Meter("problemgate")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DecisionsTotal, err = meter.Int64Counter(
		"problemgate_decisions_total",
		metric.WithDescription("Format decisions by format, client tier, and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions counter: %w", err)
	}

	m.ConversionsTotal, err = meter.Int64Counter(
		"problemgate_conversions_total",
		metric.WithDescription("Problem conversions by target format"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversions counter: %w", err)
	}

	m.ReloadsTotal, err = meter.Int64Counter(
		"problemgate_reloads_total",
		metric.WithDescription("Policy reloads by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reloads counter: %w", err)
	}

	return m, nil
}

// RegisterCacheMetrics exports detection-cache totals as observable
// counters. The source callback returns the current cumulative hit and
// miss counts; it runs on every scrape and must be cheap.
func RegisterCacheMetrics(meter metric.Meter, source func() (hits, misses int64)) error {
	hitsCounter, err := meter.Int64ObservableCounter(
		"problemgate_cache_hits_total",
		metric.WithDescription("Client detection cache hits"),
	)
	if err != nil {
		return fmt.Errorf("create cache hits counter: %w", err)
	}

	missesCounter, err := meter.Int64ObservableCounter(
		"problemgate_cache_misses_total",
		metric.WithDescription("Client detection cache misses"),
	)
	if err != nil {
		return fmt.Errorf("create cache misses counter: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		hits, misses := source()
		o.ObserveInt64(hitsCounter, hits)
		o.ObserveInt64(missesCounter, misses)
		return nil
	}, hitsCounter, missesCounter)
	if err != nil {
		return fmt.Errorf("register cache metrics callback: %w", err)
	}
	return nil
}

// ObserveDecision records one negotiation decision.
func (m *Metrics) ObserveDecision(ctx context.Context, format, tier, reason string) {
	m.DecisionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("format", format),
			attribute.String("tier", tier),
			attribute.String("reason", reason),
		),
	)
}

// ObserveConversion records one problem conversion.
func (m *Metrics) ObserveConversion(ctx context.Context, format string) {
	m.ConversionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("format", format)),
	)
}

// ObserveReload records one reload attempt.
func (m *Metrics) ObserveReload(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ReloadsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
