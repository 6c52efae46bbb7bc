// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import "errors"

// Agent errors.
var (
	// Configuration errors.
	ErrNilEngine     = errors.New("protocol engine cannot be nil")
	ErrInvalidOption = errors.New("invalid agent option")

	// Producer-visible enqueue errors.
	ErrQueueFull        = errors.New("command queue is full")
	ErrAgentStopped     = errors.New("agent has stopped")
	ErrInvalidOperation = errors.New("invalid operation")

	// Completion errors.
	ErrTableFull            = errors.New("maximum pending operations exceeded")
	ErrProtocol             = errors.New("protocol engine failure")
	ErrCancelled            = errors.New("operation cancelled")
	ErrAckTimeout           = errors.New("acknowledgment timed out")
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")

	// Pending table errors.
	ErrNotFound        = errors.New("no pending operation with packet identifier")
	ErrPacketIDInUse   = errors.New("packet identifier already pending")
	ErrInvalidPacketID = errors.New("packet identifier must be non-zero")
)
