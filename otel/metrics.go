// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mqttagent/agent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ agent.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the MQTT agent.
type Metrics struct {
	meter metric.Meter

	// Counters
	enqueuedTotal       metric.Int64Counter
	completedTotal      metric.Int64Counter
	inboundErrors       metric.Int64Counter
	messagesReceived    metric.Int64Counter
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter

	// UpDownCounters (Gauges)
	pendingCurrent metric.Int64UpDownCounter

	// Histograms
	operationDuration metric.Float64Histogram
	inboundDuration   metric.Float64Histogram
	messageSize       metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance from the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter(instrumentationName),
	}

	var err error

	m.enqueuedTotal, err = m.meter.Int64Counter(
		"mqtt.agent.enqueued.total",
		metric.WithDescription("Operations submitted to the command queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedTotal counter: %w", err)
	}

	m.completedTotal, err = m.meter.Int64Counter(
		"mqtt.agent.completed.total",
		metric.WithDescription("Operations completed, by kind and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completedTotal counter: %w", err)
	}

	m.inboundErrors, err = m.meter.Int64Counter(
		"mqtt.agent.inbound.errors.total",
		metric.WithDescription("Fatal inbound processing failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inboundErrors counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"mqtt.messages.received.total",
		metric.WithDescription("Messages delivered by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.connectionsTotal, err = m.meter.Int64Counter(
		"mqtt.connections.total",
		metric.WithDescription("Broker sessions established"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"mqtt.disconnections.total",
		metric.WithDescription("Broker sessions lost or closed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.pendingCurrent, err = m.meter.Int64UpDownCounter(
		"mqtt.agent.pending.current",
		metric.WithDescription("Operations awaiting acknowledgment"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingCurrent counter: %w", err)
	}

	m.operationDuration, err = m.meter.Float64Histogram(
		"mqtt.agent.operation.duration.ms",
		metric.WithDescription("Time from enqueue to completion in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operationDuration histogram: %w", err)
	}

	m.inboundDuration, err = m.meter.Float64Histogram(
		"mqtt.agent.inbound.duration.ms",
		metric.WithDescription("Inbound processing call duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inboundDuration histogram: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mqtt.message.size.bytes",
		metric.WithDescription("Inbound message payload size in bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueue records a producer submission.
func (m *Metrics) RecordEnqueue(kind string, err error) {
	m.enqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", Result(err)),
	))
}

// RecordCompletion records an operation completion and its latency.
func (m *Metrics) RecordCompletion(kind string, err error, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", Result(err)),
	)
	m.completedTotal.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
}

// RecordPending records a change in pending table occupancy.
func (m *Metrics) RecordPending(delta int64) {
	m.pendingCurrent.Add(context.Background(), delta)
}

// RecordInbound records one inbound processing call.
func (m *Metrics) RecordInbound(duration time.Duration, err error) {
	ctx := context.Background()
	m.inboundDuration.Record(ctx, float64(duration)/float64(time.Millisecond))
	if err != nil {
		m.inboundErrors.Add(ctx, 1)
	}
}

// RecordMessageReceived records a message delivered by the broker.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordConnection records an established broker session.
func (m *Metrics) RecordConnection(scheme string) {
	m.connectionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scheme", scheme),
	))
}

// RecordDisconnection records the end of a broker session.
func (m *Metrics) RecordDisconnection(reason string) {
	m.disconnectionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// Result maps an operation error to a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, agent.ErrCancelled):
		return "cancelled"
	case errors.Is(err, agent.ErrTableFull):
		return "table_full"
	case errors.Is(err, agent.ErrAckTimeout):
		return "ack_timeout"
	case errors.Is(err, agent.ErrSubscriptionRejected):
		return "rejected"
	case errors.Is(err, agent.ErrProtocol):
		return "protocol"
	case errors.Is(err, agent.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, agent.ErrAgentStopped):
		return "stopped"
	case errors.Is(err, agent.ErrInvalidOperation):
		return "invalid"
	default:
		return "error"
	}
}
