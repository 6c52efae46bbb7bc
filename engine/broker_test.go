// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// fakeBroker is the remote end of a net.Pipe. It decodes every packet the
// engine writes and lets tests script replies.
type fakeBroker struct {
	conn     net.Conn
	received chan packets.ControlPacket
	out      chan []byte

	mu      sync.Mutex
	respond func(packets.ControlPacket) []packets.ControlPacket
}

func newFakeBroker(t *testing.T) (net.Conn, *fakeBroker) {
	t.Helper()

	client, server := net.Pipe()
	b := &fakeBroker{
		conn:     server,
		received: make(chan packets.ControlPacket, 64),
		out:      make(chan []byte, 64),
	}
	go b.readLoop()
	go b.writeLoop()

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, b
}

func (b *fakeBroker) readLoop() {
	for {
		cp, err := packets.ReadPacket(b.conn)
		if err != nil {
			close(b.received)
			return
		}
		b.received <- cp

		b.mu.Lock()
		respond := b.respond
		b.mu.Unlock()
		if respond != nil {
			for _, reply := range respond(cp) {
				b.send(reply)
			}
		}
	}
}

// writeLoop keeps replies ordered without blocking the read loop on the pipe.
func (b *fakeBroker) writeLoop() {
	for frame := range b.out {
		if _, err := b.conn.Write(frame); err != nil {
			return
		}
	}
}

func (b *fakeBroker) onPacket(fn func(packets.ControlPacket) []packets.ControlPacket) {
	b.mu.Lock()
	b.respond = fn
	b.mu.Unlock()
}

func (b *fakeBroker) send(cp packets.ControlPacket) {
	var buf bytesWriter
	if err := cp.Write(&buf); err != nil {
		panic(err)
	}
	b.out <- buf.b
}

func (b *fakeBroker) sendRaw(frame []byte) {
	b.out <- frame
}

func (b *fakeBroker) next(t *testing.T) packets.ControlPacket {
	t.Helper()

	select {
	case cp, ok := <-b.received:
		if !ok {
			t.Fatal("broker connection closed")
		}
		return cp
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet from engine")
		return nil
	}
}

type bytesWriter struct {
	b []byte
}

func (w *bytesWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func acceptConnect(cp packets.ControlPacket) []packets.ControlPacket {
	if _, ok := cp.(*packets.ConnectPacket); ok {
		return []packets.ControlPacket{packets.NewControlPacket(packets.Connack)}
	}
	return nil
}

func connectedEngine(t *testing.T, opts *Options) (*Engine, *fakeBroker) {
	t.Helper()

	conn, broker := newFakeBroker(t)
	broker.onPacket(acceptConnect)

	if opts == nil {
		opts = NewOptions().SetClientID("engine-test").SetKeepAlive(0)
	}
	e, err := New(conn, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := e.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	broker.next(t) // CONNECT
	return e, broker
}
