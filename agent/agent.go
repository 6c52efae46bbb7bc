// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mqttagent/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the protocol engine driven by the agent worker. Implementations
// need not be safe for concurrent use: the agent calls them from a single
// goroutine.
type Engine interface {
	// ProcessInbound handles inbound traffic for at most maxDuration.
	// Acknowledgments must be reported to OnPacket before it returns.
	ProcessInbound(maxDuration time.Duration) error
	NextPacketID() uint16
	Publish(msg *engine.Message, packetID uint16) error
	Subscribe(subs []engine.Subscription, packetID uint16) error
	Unsubscribe(subs []engine.Subscription, packetID uint16) error
}

type eventSource interface {
	SetEventHandler(h engine.EventHandler)
}

// Agent serializes protocol operations from any number of producers onto a
// single worker goroutine that owns the protocol engine.
//
// Producers submit operations with Enqueue. The worker alternates between
// servicing queued commands in FIFO order and polling the engine for inbound
// traffic, and correlates acknowledgments back to their operations through a
// fixed-capacity pending table.
type Agent struct {
	engine  Engine
	opts    *Options
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	queue *commandQueue
	table *pendingTable
	state *stateManager

	// Commands to service before the next inbound poll. Worker only.
	budget int

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	done     chan struct{}
	err      error
}

// New creates an agent for eng and starts its worker.
func New(eng Engine, opts *Options) (*Agent, error) {
	if eng == nil {
		return nil, ErrNilEngine
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	a := &Agent{
		engine:   eng,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		tracer:   opts.Tracer,
		queue:    newCommandQueue(opts.QueueSize),
		table:    newPendingTable(opts.QueueSize),
		state:    newStateManager(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Engines that report inbound packets through a handler are wired to
	// OnPacket before the worker can poll them.
	if src, ok := eng.(eventSource); ok {
		src.SetEventHandler(func(pkt engine.PacketInfo, info engine.DeserializedInfo) {
			a.OnPacket(pkt, info)
		})
	}

	go a.run()

	return a, nil
}

// Enqueue submits op to the worker. A zero timeout never blocks; WaitForever
// blocks until the queue has room or the agent stops.
//
// When Enqueue returns nil the operation's callback is guaranteed to run
// exactly once. When it returns an error the callback never runs and the
// operation may be submitted again.
func (a *Agent) Enqueue(op *Operation, timeout time.Duration) error {
	if op == nil {
		a.metrics.RecordEnqueue("unknown", ErrInvalidOperation)
		return ErrInvalidOperation
	}
	if !op.valid() || !op.submitted.CompareAndSwap(false, true) {
		a.metrics.RecordEnqueue(op.kind.String(), ErrInvalidOperation)
		return ErrInvalidOperation
	}

	err := a.push(op, timeout)
	if err != nil {
		op.submitted.Store(false)
	}
	a.metrics.RecordEnqueue(op.kind.String(), err)

	return err
}

// Stop queues a stop command behind everything already queued and blocks
// until the worker has exited. Queued and pending operations complete with
// ErrCancelled. Stop returns the fatal error that ended the worker, if any.
//
// Stop must not be called from an operation callback.
func (a *Agent) Stop() error {
	op := newOperation(KindStop, nil)
	op.submitted.Store(true)
	if err := a.push(op, WaitForever); err != nil {
		a.logger.Debug("agent already stopping")
	}

	<-a.done
	return a.err
}

// Done returns a channel closed once the worker has exited.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the worker exits or ctx is done.
func (a *Agent) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error that stopped the worker, or nil.
func (a *Agent) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Running reports whether the worker is still servicing commands.
func (a *Agent) Running() bool {
	s := a.state.get()
	return s != StateStopping && s != StateStopped
}

// State returns the worker state.
func (a *Agent) State() State {
	return a.state.get()
}

// Pending returns the number of operations awaiting acknowledgment.
func (a *Agent) Pending() int {
	return a.table.size()
}

// Queued returns the number of commands waiting for the worker.
func (a *Agent) Queued() int {
	return a.queue.len()
}

// OnPacket correlates an inbound acknowledgment with its pending operation.
// It is the engine's event hook and runs on the worker goroutine from inside
// ProcessInbound. It reports whether the packet resolved an operation.
func (a *Agent) OnPacket(pkt engine.PacketInfo, info engine.DeserializedInfo) bool {
	if info.Result != nil {
		return false
	}

	var kind Kind
	switch pkt.Type {
	case engine.PacketPuback:
		kind = KindPublish
	case engine.PacketSuback:
		kind = KindSubscribe
	case engine.PacketUnsuback:
		kind = KindUnsubscribe
	default:
		return false
	}

	op, ok := a.table.get(info.PacketID)
	if !ok || op.kind != kind {
		a.logger.Debug("dropping unmatched acknowledgment",
			slog.String("type", pkt.TypeName()),
			slog.Int("packet_id", int(info.PacketID)))
		return false
	}
	if _, err := a.table.remove(info.PacketID); err != nil {
		return false
	}
	a.metrics.RecordPending(-1)

	var err error
	if kind == KindSubscribe {
		op.result = info.ReturnCodes
		if slices.Contains(info.ReturnCodes, engine.SubackFailure) {
			err = ErrSubscriptionRejected
		}
	}
	a.finish(op, err)

	return true
}

func (a *Agent) push(op *Operation, timeout time.Duration) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrAgentStopped
	}
	op.enqueued = time.Now()

	return a.queue.push(op, timeout, a.stopping)
}

// run is the worker loop. Inbound polling takes the place of a Receive
// command that is always re-queued at the tail: after each poll the worker
// services exactly the commands that were queued at that moment.
func (a *Agent) run() {
	a.logger.Debug("agent worker started", slog.Int("capacity", a.queue.capacity()))

	for {
		a.expire(time.Now())

		if a.budget > 0 {
			a.budget--
			op, ok := a.queue.pop(a.opts.DequeueWait)
			if !ok {
				a.budget = 0
				continue
			}
			if a.dispatch(op) {
				return
			}
			continue
		}

		if err := a.receive(); err != nil {
			a.shutdown(nil, err)
			return
		}

		a.budget = a.queue.len()
		if a.budget > 0 {
			continue
		}

		// Idle: give producers a short window before polling again.
		if op, ok := a.queue.pop(a.opts.DequeueWait); ok {
			if a.dispatch(op) {
				return
			}
		}
	}
}

// dispatch services one command and reports whether the worker must exit.
func (a *Agent) dispatch(op *Operation) bool {
	a.state.transition(StateIdle, StateDispatching)
	defer a.state.transition(StateDispatching, StateIdle)

	if a.tracer != nil && op.kind != KindStop {
		_, op.span = a.tracer.Start(context.Background(), "mqtt."+op.kind.String(),
			trace.WithSpanKind(trace.SpanKindProducer))
	}

	switch op.kind {
	case KindStop:
		a.shutdown(op, nil)
		return true
	case KindPublish:
		a.publish(op)
	case KindSubscribe:
		a.submit(op, a.engine.Subscribe)
	case KindUnsubscribe:
		a.submit(op, a.engine.Unsubscribe)
	default:
		a.finish(op, ErrInvalidOperation)
	}

	return false
}

func (a *Agent) receive() error {
	start := time.Now()
	err := a.engine.ProcessInbound(a.opts.PollInterval)
	a.metrics.RecordInbound(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func (a *Agent) publish(op *Operation) {
	if op.message.QoS == 0 {
		if err := a.engine.Publish(op.message, 0); err != nil {
			a.finish(op, fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		a.finish(op, nil)
		return
	}

	a.submit(op, func(_ []engine.Subscription, id uint16) error {
		return a.engine.Publish(op.message, id)
	})
}

// submit admits op into the pending table and sends it. Admission is checked
// first so an operation that cannot be tracked never reaches the wire.
func (a *Agent) submit(op *Operation, send func([]engine.Subscription, uint16) error) {
	if a.table.full() {
		a.finish(op, ErrTableFull)
		return
	}

	id, err := a.nextPacketID()
	if err != nil {
		a.finish(op, err)
		return
	}
	op.packetID = id

	if err := send(op.subs, id); err != nil {
		a.finish(op, fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}

	if a.opts.AckTimeout > 0 {
		op.deadline = time.Now().Add(a.opts.AckTimeout)
	}
	if err := a.table.insert(op); err != nil {
		a.finish(op, err)
		return
	}
	a.metrics.RecordPending(1)
}

// nextPacketID asks the engine for an identifier that is not already pending.
func (a *Agent) nextPacketID() (uint16, error) {
	for n := a.table.capacity + 1; n > 0; n-- {
		id := a.engine.NextPacketID()
		if id != 0 && !a.table.has(id) {
			return id, nil
		}
	}
	return 0, ErrPacketIDInUse
}

func (a *Agent) expire(now time.Time) {
	if a.opts.AckTimeout <= 0 {
		return
	}

	ops := a.table.expired(now)
	if len(ops) == 0 {
		return
	}
	a.metrics.RecordPending(-int64(len(ops)))

	for _, op := range ops {
		a.logger.Warn("acknowledgment timed out",
			slog.String("kind", op.kind.String()),
			slog.Int("packet_id", int(op.packetID)))
		a.finish(op, ErrAckTimeout)
	}
}

// shutdown closes the agent to producers and resolves every outstanding
// operation. stop is the Stop command being serviced, or nil when cause
// ended the worker.
func (a *Agent) shutdown(stop *Operation, cause error) {
	a.state.set(StateStopping)
	close(a.stopping)

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	reason := ErrCancelled
	if cause != nil {
		reason = fmt.Errorf("%w: %w", ErrCancelled, cause)
		a.logger.Error("agent worker failed", slog.String("error", cause.Error()))
	}

	queued := a.queue.drain()
	for _, op := range queued {
		a.finish(op, reason)
	}

	pending := a.table.drain()
	a.metrics.RecordPending(-int64(len(pending)))
	slices.SortFunc(pending, func(x, y *Operation) int {
		return int(x.packetID) - int(y.packetID)
	})
	for _, op := range pending {
		a.finish(op, reason)
	}

	a.err = cause
	if stop != nil {
		a.finish(stop, nil)
	}

	a.state.set(StateStopped)
	a.logger.Debug("agent worker stopped",
		slog.Int("cancelled_queued", len(queued)),
		slog.Int("cancelled_pending", len(pending)))
	close(a.done)
}

// finish completes op on the worker goroutine.
func (a *Agent) finish(op *Operation, err error) {
	if op.span != nil {
		if op.packetID != 0 {
			op.span.SetAttributes(attribute.Int("mqtt.packet_id", int(op.packetID)))
		}
		if err != nil {
			op.span.RecordError(err)
			op.span.SetStatus(codes.Error, err.Error())
		}
		op.span.End()
	}

	if op.kind != KindStop {
		a.metrics.RecordCompletion(op.kind.String(), err, time.Since(op.enqueued))
	}
	op.complete(err, a.logger)
}
