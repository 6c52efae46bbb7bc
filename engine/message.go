// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "time"

// Message is an MQTT application message. Outbound messages are built with
// NewMessage; inbound ones also carry the packet id and arrival time.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Dup     bool

	PacketID   uint16    // inbound QoS 1 only
	ReceivedAt time.Time // zero for outbound messages
}

// NewMessage creates an outbound message.
func NewMessage(topic string, payload []byte, qos byte, retain bool) *Message {
	return &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
}

// MessageHandler receives inbound messages. Handlers run on the goroutine
// that called ProcessInbound and must not block.
type MessageHandler func(msg *Message)

// Subscription is one topic filter entry of a SUBSCRIBE or UNSUBSCRIBE request.
type Subscription struct {
	Filter string
	QoS    byte

	// Handler receives messages matching Filter. Nil routes them to Options.OnMessage.
	Handler MessageHandler
}
