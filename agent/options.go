// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultQueueSize    = 5
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDequeueWait  = 10 * time.Millisecond
)

// WaitForever makes Enqueue block until the queue has room or the agent stops.
const WaitForever time.Duration = -1

// Options configures the agent.
type Options struct {
	// QueueSize bounds both the command queue and the pending-operation table.
	QueueSize int

	// PollInterval bounds a single inbound-processing call.
	PollInterval time.Duration

	// DequeueWait bounds how long the worker waits for a queued command.
	DequeueWait time.Duration

	// AckTimeout expires pending operations whose acknowledgment never
	// arrives (0 disables expiry).
	AckTimeout time.Duration

	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		QueueSize:    DefaultQueueSize,
		PollInterval: DefaultPollInterval,
		DequeueWait:  DefaultDequeueWait,
	}
}

// SetQueueSize sets the queue and pending table capacity.
func (o *Options) SetQueueSize(n int) *Options {
	o.QueueSize = n
	return o
}

// SetPollInterval sets the inbound polling interval.
func (o *Options) SetPollInterval(d time.Duration) *Options {
	o.PollInterval = d
	return o
}

// SetDequeueWait sets the worker's dequeue wait.
func (o *Options) SetDequeueWait(d time.Duration) *Options {
	o.DequeueWait = d
	return o
}

// SetAckTimeout sets the acknowledgment deadline for pending operations.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metrics recorder.
func (o *Options) SetMetrics(m Metrics) *Options {
	o.Metrics = m
	return o
}

// SetTracer sets the tracer used for per-operation spans.
func (o *Options) SetTracer(t trace.Tracer) *Options {
	o.Tracer = t
	return o
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.QueueSize < 1 {
		return fmt.Errorf("%w: queue size must be at least 1", ErrInvalidOption)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidOption)
	}
	if o.DequeueWait < 0 {
		return fmt.Errorf("%w: dequeue wait cannot be negative", ErrInvalidOption)
	}
	if o.AckTimeout < 0 {
		return fmt.Errorf("%w: ack timeout cannot be negative", ErrInvalidOption)
	}
	return nil
}
