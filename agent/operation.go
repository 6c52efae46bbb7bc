// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttagent/engine"
	"go.opentelemetry.io/otel/trace"
)

// Kind identifies the protocol action an operation requests.
type Kind int

// Operation kinds.
const (
	KindReceive Kind = iota
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindStop
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once when an operation completes. A nil error
// means success. Callbacks run on the agent worker and must not block or
// call Stop.
type Callback func(op *Operation, err error)

// Operation is one unit of protocol work submitted to an agent.
//
// The message and subscription payloads belong to the caller but must not be
// modified until the operation is done.
type Operation struct {
	kind     Kind
	message  *engine.Message
	subs     []engine.Subscription
	callback Callback

	// Set by the worker.
	packetID uint16
	result   []byte
	deadline time.Time
	enqueued time.Time
	span     trace.Span

	submitted atomic.Bool
	once      sync.Once
	err       error
	done      chan struct{}
}

func newOperation(kind Kind, cb Callback) *Operation {
	return &Operation{
		kind:     kind,
		callback: cb,
		done:     make(chan struct{}),
	}
}

// NewPublish creates a publish operation. QoS 0 messages complete as soon as
// they are written; QoS 1 messages complete on PUBACK.
func NewPublish(msg *engine.Message, cb Callback) *Operation {
	op := newOperation(KindPublish, cb)
	op.message = msg
	return op
}

// NewSubscribe creates a subscribe operation that completes on SUBACK.
func NewSubscribe(subs []engine.Subscription, cb Callback) *Operation {
	op := newOperation(KindSubscribe, cb)
	op.subs = subs
	return op
}

// NewUnsubscribe creates an unsubscribe operation that completes on UNSUBACK.
// Only the Filter of each subscription is used.
func NewUnsubscribe(subs []engine.Subscription, cb Callback) *Operation {
	op := newOperation(KindUnsubscribe, cb)
	op.subs = subs
	return op
}

// Kind returns the operation kind.
func (op *Operation) Kind() Kind {
	return op.kind
}

// Message returns the publish message, or nil.
func (op *Operation) Message() *engine.Message {
	return op.message
}

// Subscriptions returns the subscription entries, or nil.
func (op *Operation) Subscriptions() []engine.Subscription {
	return op.subs
}

// PacketID returns the packet identifier assigned at dispatch. It is zero for
// QoS 0 publishes and for operations that were never dispatched. It is safe
// to read from the callback or after Done is closed.
func (op *Operation) PacketID() uint16 {
	return op.packetID
}

// Result returns the SUBACK return codes of a completed subscribe operation.
func (op *Operation) Result() []byte {
	return op.result
}

// Done returns a channel closed after the callback has returned.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Err returns the completion error. It is only meaningful after Done is closed.
func (op *Operation) Err() error {
	return op.err
}

// Wait blocks until the operation completes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (op *Operation) valid() bool {
	switch op.kind {
	case KindPublish:
		return op.message != nil
	case KindSubscribe, KindUnsubscribe:
		return len(op.subs) > 0
	default:
		return false
	}
}

// complete records the result and runs the callback. Only the first call has
// any effect.
func (op *Operation) complete(err error, logger *slog.Logger) bool {
	completed := false
	op.once.Do(func() {
		completed = true
		op.err = err
		defer close(op.done)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("operation callback panic recovered",
					slog.String("kind", op.kind.String()),
					slog.Any("panic", r))
			}
		}()
		if op.callback != nil {
			op.callback(op, err)
		}
	})
	return completed
}
