// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"
	"time"
)

// Default values.
const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPingTimeout    = 5 * time.Second
	DefaultReadBufferSize = 4096
	DefaultMaxPacketSize  = 1024 * 1024

	// maxKeepAlive is the largest value the CONNECT keep-alive field can carry.
	maxKeepAlive = 65535 * time.Second
)

// WillMessage represents a last will and testament message.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options configures the protocol engine.
type Options struct {
	// Session
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	Will         *WillMessage

	// Timing
	KeepAlive      time.Duration // Keep-alive interval (0 to disable)
	ConnectTimeout time.Duration // Timeout waiting for CONNACK
	WriteTimeout   time.Duration // Deadline for a single packet write
	PingTimeout    time.Duration // Timeout waiting for PINGRESP

	// Limits
	MaxPacketSize  int // Largest inbound packet accepted
	ReadBufferSize int // Size of a single transport read

	// OnMessage receives inbound PUBLISH messages that match no subscription handler.
	OnMessage MessageHandler

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		CleanSession:   true,
		KeepAlive:      DefaultKeepAlive,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		PingTimeout:    DefaultPingTimeout,
		MaxPacketSize:  DefaultMaxPacketSize,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets the username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetCleanSession sets the clean session flag.
func (o *Options) SetCleanSession(clean bool) *Options {
	o.CleanSession = clean
	return o
}

// SetKeepAlive sets the keep-alive interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetConnectTimeout sets the CONNACK timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the per-packet write deadline.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetPingTimeout sets the PINGRESP timeout.
func (o *Options) SetPingTimeout(d time.Duration) *Options {
	o.PingTimeout = d
	return o
}

// SetWill sets the last will and testament.
func (o *Options) SetWill(topic string, payload []byte, qos byte, retain bool) *Options {
	o.Will = &WillMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
	return o
}

// SetOnMessage sets the fallback handler for inbound messages.
func (o *Options) SetOnMessage(h MessageHandler) *Options {
	o.OnMessage = h
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.ClientID == "" && !o.CleanSession {
		return ErrEmptyClientID
	}
	if o.KeepAlive < 0 || o.KeepAlive > maxKeepAlive {
		return fmt.Errorf("%w: keep-alive must be between 0 and %v", ErrInvalidOption, maxKeepAlive)
	}
	if o.ConnectTimeout <= 0 || o.WriteTimeout <= 0 || o.PingTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOption)
	}
	if o.MaxPacketSize <= 0 || o.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidOption)
	}
	if o.Will != nil && o.Will.QoS > 1 {
		return fmt.Errorf("%w: will", ErrInvalidQoS)
	}
	return nil
}
