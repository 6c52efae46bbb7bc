// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// Engine errors.
var (
	// Configuration errors.
	ErrNilConn       = errors.New("connection cannot be nil")
	ErrEmptyClientID = errors.New("client ID cannot be empty without a clean session")
	ErrInvalidOption = errors.New("invalid engine option")

	// Connection errors.
	ErrNotConnected    = errors.New("engine not connected")
	ErrConnectFailed   = errors.New("connection failed")
	ErrConnectRejected = errors.New("connection rejected by broker")
	ErrConnectTimeout  = errors.New("connection timeout")
	ErrConnectionLost  = errors.New("connection lost")
	ErrPingTimeout     = errors.New("keep-alive ping timed out")

	// Operation errors.
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0 or 1)")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrInvalidPacketID = errors.New("packet identifier required for acknowledged operations")
	ErrNoSubscriptions = errors.New("at least one subscription is required")

	// Protocol errors.
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrPacketTooLarge   = errors.New("packet exceeds maximum size")
	ErrUnexpectedPacket = errors.New("unexpected packet type")

	errReadTimeout = errors.New("read deadline reached")
)

// ConnAckCode represents MQTT CONNACK return codes.
type ConnAckCode byte

// MQTT 3.1.1 CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected:
		return "client identifier rejected"
	case ConnRefusedUnavailable:
		return "server unavailable"
	case ConnRefusedBadAuth:
		return "bad username or password"
	case ConnRefusedNotAuth:
		return "not authorized"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return c.String()
}
