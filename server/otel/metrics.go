// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxhub/protocol"
	"github.com/absmach/fluxhub/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ session.Observer = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the hub.
type Metrics struct {
	meter metric.Meter

	// Counters
	subscribersTotal  metric.Int64Counter
	unsubscribesTotal metric.Int64Counter
	commandsPublished metric.Int64Counter
	commandsQueued    metric.Int64Counter
	commandsDelivered metric.Int64Counter
	commandsSkipped   metric.Int64Counter
	commandsDropped   metric.Int64Counter
	heartbeatsTotal   metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	subscribersCurrent metric.Int64UpDownCounter

	// Histograms
	publishSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("fluxhub"))
}

// NewMetricsWithMeter creates instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.subscribersTotal, "fluxhub.subscribers.total", "Total number of opened streams"},
		{&m.unsubscribesTotal, "fluxhub.unsubscribes.total", "Total number of closed streams"},
		{&m.commandsPublished, "fluxhub.commands.published.total", "Commands accepted from producers"},
		{&m.commandsQueued, "fluxhub.commands.queued.total", "Commands appended to the fan-out queue"},
		{&m.commandsDelivered, "fluxhub.commands.delivered.total", "Commands written to subscribers"},
		{&m.commandsSkipped, "fluxhub.commands.skipped.total", "Commands the subscriber's version cannot carry"},
		{&m.commandsDropped, "fluxhub.commands.dropped.total", "Commands evicted before a subscriber read them"},
		{&m.heartbeatsTotal, "fluxhub.heartbeats.total", "Heartbeat lines written"},
		{&m.errorsTotal, "fluxhub.errors.total", "Total errors by type"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.subscribersCurrent, err = meter.Int64UpDownCounter(
		"fluxhub.subscribers.current",
		metric.WithDescription("Current number of open streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribersCurrent gauge: %w", err)
	}

	m.publishSize, err = meter.Int64Histogram(
		"fluxhub.publish.size.bytes",
		metric.WithDescription("Published request body size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishSize histogram: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"fluxhub.publish.duration.ms",
		metric.WithDescription("Publish processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSubscribe records a stream opening.
func (m *Metrics) RecordSubscribe(transport string, version protocol.Version) {
	ctx := context.Background()
	m.subscribersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("version", version.String()),
	))
	m.subscribersCurrent.Add(ctx, 1)
}

// RecordUnsubscribe records a stream closing.
func (m *Metrics) RecordUnsubscribe(reason string) {
	ctx := context.Background()
	m.unsubscribesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.subscribersCurrent.Add(ctx, -1)
}

// RecordPublish records a command accepted from a producer.
func (m *Metrics) RecordPublish(version protocol.Version, cmd protocol.Command, sizeBytes int64) {
	ctx := context.Background()
	m.commandsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version.String()),
		attribute.String("command", string(cmd)),
	))
	if sizeBytes > 0 {
		m.publishSize.Record(ctx, sizeBytes)
	}
}

// RecordQueued records a command appended to the fan-out queue.
func (m *Metrics) RecordQueued(cmd protocol.Command) {
	m.commandsQueued.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", string(cmd)),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the duration of a publish operation.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDuration.Record(context.Background(), durationMs)
}

// Delivered implements session.Observer.
func (m *Metrics) Delivered(version protocol.Version, cmd protocol.Command) {
	m.commandsDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("version", version.String()),
		attribute.String("command", string(cmd)),
	))
}

// Skipped implements session.Observer.
func (m *Metrics) Skipped(version protocol.Version, cmd protocol.Command) {
	m.commandsSkipped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("version", version.String()),
		attribute.String("command", string(cmd)),
	))
}

// Heartbeat implements session.Observer.
func (m *Metrics) Heartbeat() {
	m.heartbeatsTotal.Add(context.Background(), 1)
}

// Dropped implements session.Observer.
func (m *Metrics) Dropped(n uint64) {
	m.commandsDropped.Add(context.Background(), int64(n))
}
