// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttagent/engine"
)

type inboundEvent struct {
	pkt  engine.PacketInfo
	info engine.DeserializedInfo
}

type sent struct {
	kind     Kind
	packetID uint16
	topic    string
}

// fakeEngine records submissions and replays scripted inbound events from
// ProcessInbound, which the agent calls on its worker goroutine.
type fakeEngine struct {
	events chan inboundEvent
	gate   chan struct{}

	mu          sync.Mutex
	handler     engine.EventHandler
	onPacket    func(engine.PacketInfo, engine.DeserializedInfo) bool
	ids         []uint16
	nextID      uint16
	sent        []sent
	handled     []bool
	timeline    []string // "poll" or the submitted kind, in call order
	inboundErr  error
	submitErr   error
	autoAck     bool
	subackCodes []byte

	polls     atomic.Int64
	processed atomic.Int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan inboundEvent, 1024),
		nextID: 1,
	}
}

// blocked makes the first ProcessInbound call wait until release is called.
func (f *fakeEngine) blocked() *fakeEngine {
	f.gate = make(chan struct{})
	return f
}

func (f *fakeEngine) release() {
	close(f.gate)
}

// SetEventHandler receives the hook the agent installs in New.
func (f *fakeEngine) SetEventHandler(h engine.EventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// bind routes events straight to OnPacket so tests can observe its result.
func (f *fakeEngine) bind(a *Agent) {
	f.mu.Lock()
	f.onPacket = a.OnPacket
	f.mu.Unlock()
}

func (f *fakeEngine) scriptIDs(ids ...uint16) {
	f.mu.Lock()
	f.ids = append(f.ids, ids...)
	f.mu.Unlock()
}

func (f *fakeEngine) setInboundErr(err error) {
	f.mu.Lock()
	f.inboundErr = err
	f.mu.Unlock()
}

func (f *fakeEngine) setSubmitErr(err error) {
	f.mu.Lock()
	f.submitErr = err
	f.mu.Unlock()
}

func (f *fakeEngine) setAutoAck(codes ...byte) {
	f.mu.Lock()
	f.autoAck = true
	f.subackCodes = codes
	f.mu.Unlock()
}

func (f *fakeEngine) deliver(typ byte, id uint16, codes []byte) {
	f.events <- inboundEvent{
		pkt:  engine.PacketInfo{Type: typ},
		info: engine.DeserializedInfo{PacketID: id, ReturnCodes: codes},
	}
}

func (f *fakeEngine) deliverMalformed(typ byte, id uint16, err error) {
	f.events <- inboundEvent{
		pkt:  engine.PacketInfo{Type: typ},
		info: engine.DeserializedInfo{PacketID: id, Result: err},
	}
}

func (f *fakeEngine) sentPackets() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeEngine) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.timeline...)
}

func (f *fakeEngine) handledResults() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.handled...)
}

func (f *fakeEngine) ProcessInbound(maxDuration time.Duration) error {
	if f.gate != nil {
		<-f.gate
	}
	f.polls.Add(1)

	f.mu.Lock()
	f.timeline = append(f.timeline, "poll")
	err := f.inboundErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	for {
		select {
		case ev := <-f.events:
			f.mu.Lock()
			onPacket, handler := f.onPacket, f.handler
			f.mu.Unlock()

			handled := false
			switch {
			case onPacket != nil:
				handled = onPacket(ev.pkt, ev.info)
			case handler != nil:
				handler(ev.pkt, ev.info)
			}
			f.mu.Lock()
			f.handled = append(f.handled, handled)
			f.mu.Unlock()
			f.processed.Add(1)
		case <-timer.C:
			return nil
		}
	}
}

func (f *fakeEngine) NextPacketID() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.ids) > 0 {
		id := f.ids[0]
		f.ids = f.ids[1:]
		return id
	}
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeEngine) Publish(msg *engine.Message, packetID uint16) error {
	return f.record(KindPublish, packetID, msg.Topic, engine.PacketPuback)
}

func (f *fakeEngine) Subscribe(subs []engine.Subscription, packetID uint16) error {
	return f.record(KindSubscribe, packetID, subs[0].Filter, engine.PacketSuback)
}

func (f *fakeEngine) Unsubscribe(subs []engine.Subscription, packetID uint16) error {
	return f.record(KindUnsubscribe, packetID, subs[0].Filter, engine.PacketUnsuback)
}

func (f *fakeEngine) record(kind Kind, id uint16, topic string, ack byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return f.submitErr
	}
	f.sent = append(f.sent, sent{kind: kind, packetID: id, topic: topic})
	f.timeline = append(f.timeline, kind.String())

	if f.autoAck && id != 0 {
		var codes []byte
		if ack == engine.PacketSuback {
			codes = f.subackCodes
		}
		f.events <- inboundEvent{
			pkt:  engine.PacketInfo{Type: ack},
			info: engine.DeserializedInfo{PacketID: id, ReturnCodes: codes},
		}
	}
	return nil
}
