// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"sync/atomic"
	"time"
)

// pendingTable holds operations awaiting an acknowledgment, keyed by packet
// identifier. Its capacity is the admission limit for acknowledged
// operations. All methods except size are called only by the worker.
type pendingTable struct {
	ops      map[uint16]*Operation
	capacity int
	count    atomic.Int64
}

func newPendingTable(capacity int) *pendingTable {
	return &pendingTable{
		ops:      make(map[uint16]*Operation, capacity),
		capacity: capacity,
	}
}

// insert occupies a slot for op, keyed by its packet identifier.
func (t *pendingTable) insert(op *Operation) error {
	if op.packetID == 0 {
		return ErrInvalidPacketID
	}
	if len(t.ops) >= t.capacity {
		return ErrTableFull
	}
	if _, exists := t.ops[op.packetID]; exists {
		return ErrPacketIDInUse
	}

	t.ops[op.packetID] = op
	t.count.Add(1)
	return nil
}

// get returns the pending operation without removing it.
func (t *pendingTable) get(id uint16) (*Operation, bool) {
	op, ok := t.ops[id]
	return op, ok
}

// remove frees and returns the slot carrying id.
func (t *pendingTable) remove(id uint16) (*Operation, error) {
	op, ok := t.ops[id]
	if !ok {
		return nil, ErrNotFound
	}

	delete(t.ops, id)
	t.count.Add(-1)
	return op, nil
}

func (t *pendingTable) has(id uint16) bool {
	_, ok := t.ops[id]
	return ok
}

func (t *pendingTable) full() bool {
	return len(t.ops) >= t.capacity
}

// expired removes and returns operations whose deadline is before now.
func (t *pendingTable) expired(now time.Time) []*Operation {
	var ops []*Operation
	for id, op := range t.ops {
		if op.deadline.IsZero() || !op.deadline.Before(now) {
			continue
		}
		delete(t.ops, id)
		ops = append(ops, op)
	}
	t.count.Add(-int64(len(ops)))
	return ops
}

// drain removes and returns every pending operation.
func (t *pendingTable) drain() []*Operation {
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.ops = make(map[uint16]*Operation, t.capacity)
	t.count.Store(0)
	return ops
}

// size is safe to call from any goroutine.
func (t *pendingTable) size() int {
	return int(t.count.Load())
}
