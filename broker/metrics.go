// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the send path. Without
// a globally installed meter provider the instruments are no-ops.
type Metrics struct {
	meter metric.Meter

	putMessagesTotal  metric.Int64Counter
	putMessagesFailed metric.Int64Counter
	sendBacksTotal    metric.Int64Counter
	deadLettersTotal  metric.Int64Counter
	topicsCreated     metric.Int64Counter

	putMessageSize metric.Int64Histogram
	putDuration    metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("mq-broker"),
	}

	var err error

	m.putMessagesTotal, err = m.meter.Int64Counter(
		"mq.put.messages.total",
		metric.WithDescription("Total messages accepted by the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create putMessagesTotal counter: %w", err)
	}

	m.putMessagesFailed, err = m.meter.Int64Counter(
		"mq.put.messages.failed.total",
		metric.WithDescription("Total store rejections by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create putMessagesFailed counter: %w", err)
	}

	m.sendBacksTotal, err = m.meter.Int64Counter(
		"mq.sendback.messages.total",
		metric.WithDescription("Total consumer requeue requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendBacksTotal counter: %w", err)
	}

	m.deadLettersTotal, err = m.meter.Int64Counter(
		"mq.deadletter.messages.total",
		metric.WithDescription("Total messages routed to dead-letter topics"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettersTotal counter: %w", err)
	}

	m.topicsCreated, err = m.meter.Int64Counter(
		"mq.topics.created.total",
		metric.WithDescription("Total topics created on demand"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create topicsCreated counter: %w", err)
	}

	m.putMessageSize, err = m.meter.Int64Histogram(
		"mq.put.message.size.bytes",
		metric.WithDescription("Stored message body size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create putMessageSize histogram: %w", err)
	}

	m.putDuration, err = m.meter.Float64Histogram(
		"mq.put.duration.ms",
		metric.WithDescription("Store append duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create putDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPut records an accepted store append.
func (m *Metrics) RecordPut(topic string, sizeBytes int64, durationMs float64) {
	ctx := context.Background()
	m.putMessagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
	m.putMessageSize.Record(ctx, sizeBytes)
	m.putDuration.Record(ctx, durationMs)
}

// RecordPutFailed records a store rejection.
func (m *Metrics) RecordPutFailed(topic, status string) {
	m.putMessagesFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	))
}

// RecordSendBack records a consumer requeue request.
func (m *Metrics) RecordSendBack(group string) {
	m.sendBacksTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordDeadLetter records a message routed to a dead-letter topic.
func (m *Metrics) RecordDeadLetter(group string) {
	m.deadLettersTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordTopicCreated records an on-demand topic creation.
func (m *Metrics) RecordTopicCreated(topic string) {
	m.topicsCreated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}
