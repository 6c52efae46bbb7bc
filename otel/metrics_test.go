// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/mqttagent/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	m, err := NewMetrics()
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()

	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)

	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestMetricsRecordOperations(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordEnqueue("publish", nil)
	m.RecordEnqueue("publish", agent.ErrQueueFull)
	m.RecordCompletion("subscribe", nil, 3*time.Millisecond)
	m.RecordCompletion("subscribe", agent.ErrTableFull, time.Millisecond)
	m.RecordPending(2)
	m.RecordPending(-1)
	m.RecordInbound(time.Millisecond, nil)
	m.RecordInbound(time.Millisecond, errors.New("lost"))
	m.RecordMessageReceived(1, 42)

	data := collect(t, reader)

	assert.Equal(t, int64(1), sumFor(t, data["mqtt.agent.enqueued.total"],
		attribute.String("kind", "publish"), attribute.String("result", "ok")))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.agent.enqueued.total"],
		attribute.String("kind", "publish"), attribute.String("result", "queue_full")))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.agent.completed.total"],
		attribute.String("kind", "subscribe"), attribute.String("result", "table_full")))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.agent.pending.current"]))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.agent.inbound.errors.total"]))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.messages.received.total"], attribute.Int("qos", 1)))

	hist, ok := data["mqtt.agent.operation.duration.ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestMetricsConnections(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordConnection("tcp")
	m.RecordDisconnection("connection_lost")

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.connections.total"], attribute.String("scheme", "tcp")))
	assert.Equal(t, int64(1), sumFor(t, data["mqtt.disconnections.total"], attribute.String("reason", "connection_lost")))
}

func TestResult(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{agent.ErrTableFull, "table_full"},
		{agent.ErrAckTimeout, "ack_timeout"},
		{agent.ErrSubscriptionRejected, "rejected"},
		{agent.ErrQueueFull, "queue_full"},
		{agent.ErrAgentStopped, "stopped"},
		{agent.ErrInvalidOperation, "invalid"},
		{errors.New("other"), "error"},
		{fmt.Errorf("%w: %w", agent.ErrProtocol, errors.New("eof")), "protocol"},
		{fmt.Errorf("%w: %w", agent.ErrCancelled, fmt.Errorf("%w: eof", agent.ErrProtocol)), "cancelled"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Result(tc.err))
	}
}
