// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import "time"

// commandQueue is the bounded FIFO between producers and the worker.
// Any goroutine may push; only the worker pops.
type commandQueue struct {
	ch chan *Operation
}

func newCommandQueue(size int) *commandQueue {
	return &commandQueue{ch: make(chan *Operation, size)}
}

// push appends op, waiting up to timeout for room. A zero timeout never
// blocks and a negative timeout waits until room appears or stop is closed.
func (q *commandQueue) push(op *Operation, timeout time.Duration, stop <-chan struct{}) error {
	select {
	case <-stop:
		return ErrAgentStopped
	default:
	}

	if timeout == 0 {
		select {
		case q.ch <- op:
			return nil
		default:
			return ErrQueueFull
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case q.ch <- op:
		return nil
	case <-stop:
		return ErrAgentStopped
	case <-expired:
		return ErrQueueFull
	}
}

// pop removes the oldest command, waiting up to wait for one to arrive.
func (q *commandQueue) pop(wait time.Duration) (*Operation, bool) {
	select {
	case op := <-q.ch:
		return op, true
	default:
	}
	if wait <= 0 {
		return nil, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case op := <-q.ch:
		return op, true
	case <-timer.C:
		return nil, false
	}
}

// drain removes every queued command without blocking.
func (q *commandQueue) drain() []*Operation {
	var ops []*Operation
	for {
		select {
		case op := <-q.ch:
			ops = append(ops, op)
		default:
			return ops
		}
	}
}

func (q *commandQueue) len() int {
	return len(q.ch)
}

func (q *commandQueue) capacity() int {
	return cap(q.ch)
}
