// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for a meshq node.
type Metrics struct {
	meter metric.Meter

	// Counters
	requestsTotal     metric.Int64Counter
	messagesPushed    metric.Int64Counter
	messagesDelivered metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	messagesRetired   metric.Int64Counter
	consumersEvicted  metric.Int64Counter
	negotiationsTotal metric.Int64Counter
	keeperTransitions metric.Int64Counter
	rateLimitedTotal  metric.Int64Counter

	// UpDownCounters (Gauges)
	streamsActive metric.Int64UpDownCounter

	// Histograms
	messageSize      metric.Int64Histogram
	requestDuration  metric.Float64Histogram
	deliveryDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("meshq"),
	}

	var err error

	// Initialize counters
	m.requestsTotal, err = m.meter.Int64Counter(
		"meshq.requests.total",
		metric.WithDescription("Total broker requests by kind and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsTotal counter: %w", err)
	}

	m.messagesPushed, err = m.meter.Int64Counter(
		"meshq.messages.pushed.total",
		metric.WithDescription("Total messages pushed by producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPushed counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"meshq.messages.delivered.total",
		metric.WithDescription("Total messages delivered to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.deliveryFailures, err = m.meter.Int64Counter(
		"meshq.delivery.failures.total",
		metric.WithDescription("Total failed deliveries to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryFailures counter: %w", err)
	}

	m.messagesRetired, err = m.meter.Int64Counter(
		"meshq.messages.retired.total",
		metric.WithDescription("Total messages removed after delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRetired counter: %w", err)
	}

	m.consumersEvicted, err = m.meter.Int64Counter(
		"meshq.consumers.evicted.total",
		metric.WithDescription("Total consumers deactivated after missed delivery rounds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersEvicted counter: %w", err)
	}

	m.negotiationsTotal, err = m.meter.Int64Counter(
		"meshq.negotiations.total",
		metric.WithDescription("Total broker negotiations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiationsTotal counter: %w", err)
	}

	m.keeperTransitions, err = m.meter.Int64Counter(
		"meshq.keeper.transitions.total",
		metric.WithDescription("Total queue keeper state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keeperTransitions counter: %w", err)
	}

	m.rateLimitedTotal, err = m.meter.Int64Counter(
		"meshq.requests.rate_limited.total",
		metric.WithDescription("Total requests refused by rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimitedTotal counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.streamsActive, err = m.meter.Int64UpDownCounter(
		"meshq.streams.active",
		metric.WithDescription("Number of open queue streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamsActive gauge: %w", err)
	}

	// Initialize histograms
	m.messageSize, err = m.meter.Int64Histogram(
		"meshq.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"meshq.request.duration.ms",
		metric.WithDescription("Broker request processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"meshq.delivery.duration.ms",
		metric.WithDescription("Delivery round duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

// RecordRequest records a handled broker request.
func (m *Metrics) RecordRequest(ctx context.Context, kind string, accepted bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("accepted", accepted),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordRateLimited records a request refused by rate limiting.
func (m *Metrics) RecordRateLimited(ctx context.Context, kind string) {
	m.rateLimitedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordPush records a message pushed by a producer.
func (m *Metrics) RecordPush(ctx context.Context, size int) {
	m.messagesPushed.Add(ctx, 1)
	m.messageSize.Record(ctx, int64(size))
}

// RecordDelivery records one delivery round.
func (m *Metrics) RecordDelivery(ctx context.Context, delivered, failed int, d time.Duration) {
	if delivered > 0 {
		m.messagesDelivered.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.deliveryFailures.Add(ctx, int64(failed))
	}
	m.deliveryDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordRetired records messages removed from a stream.
func (m *Metrics) RecordRetired(ctx context.Context, n int) {
	m.messagesRetired.Add(ctx, int64(n))
}

// RecordEviction records a consumer deactivated for missing rounds.
func (m *Metrics) RecordEviction(ctx context.Context) {
	m.consumersEvicted.Add(ctx, 1)
}

// RecordStreams tracks open streams.
func (m *Metrics) RecordStreams(ctx context.Context, delta int64) {
	m.streamsActive.Add(ctx, delta)
}

// RecordNegotiation records a finished broker negotiation.
func (m *Metrics) RecordNegotiation(ctx context.Context, accepted bool, reason string) {
	m.negotiationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
		attribute.String("reason", reason),
	))
}

// RecordKeeperTransition records a queue keeper state change.
func (m *Metrics) RecordKeeperTransition(ctx context.Context, from, to string) {
	m.keeperTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
