// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import "time"

// Metrics records agent activity. Implementations must be safe for
// concurrent use: enqueue events are recorded on producer goroutines.
type Metrics interface {
	RecordEnqueue(kind string, err error)
	RecordCompletion(kind string, err error, latency time.Duration)
	RecordPending(delta int64)
	RecordInbound(duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueue(string, error)                   {}
func (noopMetrics) RecordCompletion(string, error, time.Duration) {}
func (noopMetrics) RecordPending(int64)                           {}
func (noopMetrics) RecordInbound(time.Duration, error)            {}
