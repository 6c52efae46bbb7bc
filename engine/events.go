// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/eclipse/paho.mqtt.golang/packets"

// MQTT control packet types reported in PacketInfo.
const (
	PacketConnect     = packets.Connect
	PacketConnack     = packets.Connack
	PacketPublish     = packets.Publish
	PacketPuback      = packets.Puback
	PacketPubrec      = packets.Pubrec
	PacketPubrel      = packets.Pubrel
	PacketPubcomp     = packets.Pubcomp
	PacketSubscribe   = packets.Subscribe
	PacketSuback      = packets.Suback
	PacketUnsubscribe = packets.Unsubscribe
	PacketUnsuback    = packets.Unsuback
	PacketPingreq     = packets.Pingreq
	PacketPingresp    = packets.Pingresp
	PacketDisconnect  = packets.Disconnect
)

// SubackFailure is the SUBACK return code for a rejected topic filter.
const SubackFailure byte = 0x80

// PacketInfo describes the framing of an inbound packet.
type PacketInfo struct {
	Type  byte
	Flags byte
	Size  int
}

// TypeName returns the MQTT name of the packet type.
func (p PacketInfo) TypeName() string {
	if name, ok := packets.PacketNames[p.Type]; ok {
		return name
	}
	return "UNKNOWN"
}

// DeserializedInfo carries the decoded fields of an inbound packet.
// Result is non-nil when the packet could not be decoded.
type DeserializedInfo struct {
	PacketID    uint16
	ReturnCodes []byte
	Message     *Message
	Result      error
}

// EventHandler is notified of every inbound packet after deserialization.
// It runs on the goroutine that called ProcessInbound.
type EventHandler func(pkt PacketInfo, info DeserializedInfo)
