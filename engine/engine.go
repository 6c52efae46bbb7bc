// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mqttagent/topics"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Engine is a single-connection MQTT 3.1.1 protocol engine.
//
// Engine is NOT safe for concurrent use. Every method, and every event and
// message callback it makes from ProcessInbound, runs on the calling
// goroutine. Callers that share one connection between several producers
// serialize access through the agent package.
type Engine struct {
	conn   net.Conn
	opts   *Options
	logger *slog.Logger

	// Inbound bytes not yet consumed as whole packets.
	buf     []byte
	scratch []byte

	nextID  uint16
	onEvent EventHandler
	router  *router

	lastSent  time.Time
	pingSent  time.Time
	connected bool
}

// New creates an engine over an established transport connection.
func New(conn net.Conn, opts *Options) (*Engine, error) {
	if conn == nil {
		return nil, ErrNilConn
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

	return &Engine{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		scratch: make([]byte, opts.ReadBufferSize),
		nextID:  1,
		router:  newRouter(opts.OnMessage, logger),
	}, nil
}

// SetEventHandler registers the handler notified of every inbound packet.
func (e *Engine) SetEventHandler(h EventHandler) {
	e.onEvent = h
}

// IsConnected reports whether CONNACK was accepted and the connection has not failed since.
func (e *Engine) IsConnected() bool {
	return e.connected
}

// Connect sends CONNECT and waits for CONNACK. It returns the session-present flag.
func (e *Engine) Connect() (bool, error) {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	pkt.CleanSession = e.opts.CleanSession
	pkt.ClientIdentifier = e.opts.ClientID
	pkt.Keepalive = uint16(e.opts.KeepAlive / time.Second)

	if e.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = e.opts.Username
	}
	if e.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = []byte(e.opts.Password)
	}
	if w := e.opts.Will; w != nil {
		pkt.WillFlag = true
		pkt.WillTopic = w.Topic
		pkt.WillMessage = w.Payload
		pkt.WillQos = w.QoS
		pkt.WillRetain = w.Retain
	}

	if err := e.write(pkt); err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	frame, err := e.nextFrame(time.Now().Add(e.opts.ConnectTimeout))
	if errors.Is(err, errReadTimeout) {
		return false, ErrConnectTimeout
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	connack, ok := cp.(*packets.ConnackPacket)
	if !ok {
		return false, fmt.Errorf("%w: expected CONNACK, got %s", ErrUnexpectedPacket, cp.String())
	}
	if code := ConnAckCode(connack.ReturnCode); code != ConnAccepted {
		return false, fmt.Errorf("%w: %w", ErrConnectRejected, code)
	}

	e.connected = true
	e.pingSent = time.Time{}
	e.logger.Debug("mqtt session established",
		slog.String("client_id", e.opts.ClientID),
		slog.Bool("session_present", connack.SessionPresent))

	return connack.SessionPresent, nil
}

// Disconnect sends DISCONNECT and closes the transport.
func (e *Engine) Disconnect() error {
	if e.connected {
		if err := e.write(packets.NewControlPacket(packets.Disconnect)); err != nil {
			e.logger.Debug("failed to send DISCONNECT", slog.String("error", err.Error()))
		}
	}
	e.connected = false
	return e.conn.Close()
}

// NextPacketID returns the next packet identifier. Zero is never returned.
func (e *Engine) NextPacketID() uint16 {
	id := e.nextID
	e.nextID++
	if e.nextID == 0 {
		e.nextID = 1
	}
	return id
}

// Publish sends a PUBLISH packet. packetID is required for QoS 1 and ignored for QoS 0.
func (e *Engine) Publish(msg *Message, packetID uint16) error {
	if !e.connected {
		return ErrNotConnected
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	if err := topics.ValidateTopicName(msg.Topic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	if msg.QoS > 1 {
		return ErrInvalidQoS
	}
	if msg.QoS > 0 && packetID == 0 {
		return ErrInvalidPacketID
	}

	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = msg.Topic
	pkt.Payload = msg.Payload
	pkt.Qos = msg.QoS
	pkt.Retain = msg.Retain
	pkt.Dup = msg.Dup
	if msg.QoS > 0 {
		pkt.MessageID = packetID
	}

	return e.write(pkt)
}

// Subscribe sends a SUBSCRIBE packet and registers the subscription handlers.
func (e *Engine) Subscribe(subs []Subscription, packetID uint16) error {
	if !e.connected {
		return ErrNotConnected
	}
	if len(subs) == 0 {
		return ErrNoSubscriptions
	}
	if packetID == 0 {
		return ErrInvalidPacketID
	}

	pkt := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	pkt.MessageID = packetID
	for _, s := range subs {
		if err := topics.ValidateTopicFilter(s.Filter); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, s.Filter)
		}
		if s.QoS > 1 {
			return ErrInvalidQoS
		}
		pkt.Topics = append(pkt.Topics, s.Filter)
		pkt.Qoss = append(pkt.Qoss, s.QoS)
	}

	if err := e.write(pkt); err != nil {
		return err
	}

	for _, s := range subs {
		e.router.add(s.Filter, s.Handler)
	}
	return nil
}

// Unsubscribe sends an UNSUBSCRIBE packet and drops the subscription handlers.
func (e *Engine) Unsubscribe(subs []Subscription, packetID uint16) error {
	if !e.connected {
		return ErrNotConnected
	}
	if len(subs) == 0 {
		return ErrNoSubscriptions
	}
	if packetID == 0 {
		return ErrInvalidPacketID
	}

	pkt := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	pkt.MessageID = packetID
	for _, s := range subs {
		if err := topics.ValidateTopicFilter(s.Filter); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, s.Filter)
		}
		pkt.Topics = append(pkt.Topics, s.Filter)
	}

	if err := e.write(pkt); err != nil {
		return err
	}

	for _, s := range subs {
		e.router.remove(s.Filter)
	}
	return nil
}

// ProcessInbound reads and handles inbound packets for at most maxDuration,
// and sends keep-alive pings when due. Acknowledgments are reported through
// the event handler before ProcessInbound returns.
//
// A non-nil error means the connection can no longer be trusted.
func (e *Engine) ProcessInbound(maxDuration time.Duration) error {
	if !e.connected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(maxDuration)
	for time.Now().Before(deadline) {
		if err := e.keepAlive(); err != nil {
			return e.fail(err)
		}

		frame, err := e.nextFrame(deadline)
		if errors.Is(err, errReadTimeout) {
			break
		}
		if err != nil {
			return e.fail(err)
		}

		if err := e.handleFrame(frame); err != nil {
			return e.fail(err)
		}
	}

	if err := e.keepAlive(); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Engine) fail(err error) error {
	e.connected = false
	return err
}

func (e *Engine) keepAlive() error {
	if e.opts.KeepAlive <= 0 {
		return nil
	}

	now := time.Now()
	if !e.pingSent.IsZero() {
		if now.Sub(e.pingSent) > e.opts.PingTimeout {
			return ErrPingTimeout
		}
		return nil
	}

	if now.Sub(e.lastSent) < e.opts.KeepAlive {
		return nil
	}
	if err := e.write(packets.NewControlPacket(packets.Pingreq)); err != nil {
		return err
	}
	e.pingSent = now
	return nil
}

// nextFrame returns one complete packet, reading from the transport until
// deadline. Partial packets stay buffered across calls, so a deadline never
// splits the stream.
func (e *Engine) nextFrame(deadline time.Time) ([]byte, error) {
	for {
		size, err := frameSize(e.buf)
		if err != nil {
			return nil, err
		}
		if size > e.opts.MaxPacketSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
		}
		if size > 0 && len(e.buf) >= size {
			frame := make([]byte, size)
			copy(frame, e.buf)
			e.buf = append(e.buf[:0], e.buf[size:]...)
			return frame, nil
		}

		if err := e.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		n, err := e.conn.Read(e.scratch)
		if n > 0 {
			e.buf = append(e.buf, e.scratch[:n]...)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if n > 0 {
					continue
				}
				return nil, errReadTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
}

func (e *Engine) handleFrame(frame []byte) error {
	pkt := PacketInfo{
		Type:  frame[0] >> 4,
		Flags: frame[0] & 0x0F,
		Size:  len(frame),
	}

	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		e.logger.Warn("dropping undecodable packet",
			slog.String("type", pkt.TypeName()),
			slog.String("error", err.Error()))
		e.emit(pkt, DeserializedInfo{Result: fmt.Errorf("%w: %v", ErrMalformedPacket, err)})
		return nil
	}

	switch p := cp.(type) {
	case *packets.PublishPacket:
		return e.handlePublish(pkt, p)
	case *packets.PubackPacket:
		e.emit(pkt, DeserializedInfo{PacketID: p.MessageID})
	case *packets.SubackPacket:
		e.emit(pkt, DeserializedInfo{PacketID: p.MessageID, ReturnCodes: p.ReturnCodes})
	case *packets.UnsubackPacket:
		e.emit(pkt, DeserializedInfo{PacketID: p.MessageID})
	case *packets.PingrespPacket:
		e.pingSent = time.Time{}
		e.emit(pkt, DeserializedInfo{})
	default:
		e.logger.Debug("ignoring inbound packet", slog.String("type", pkt.TypeName()))
		e.emit(pkt, DeserializedInfo{PacketID: cp.Details().MessageID})
	}
	return nil
}

func (e *Engine) handlePublish(pkt PacketInfo, p *packets.PublishPacket) error {
	if p.Qos > 1 {
		// Subscriptions are capped at QoS 1, so the broker may not send QoS 2.
		return fmt.Errorf("%w: inbound publish with QoS %d", ErrUnexpectedPacket, p.Qos)
	}

	msg := &Message{
		Topic:      p.TopicName,
		Payload:    p.Payload,
		QoS:        p.Qos,
		Retain:     p.Retain,
		Dup:        p.Dup,
		PacketID:   p.MessageID,
		ReceivedAt: time.Now(),
	}

	e.emit(pkt, DeserializedInfo{PacketID: p.MessageID, Message: msg})
	e.router.dispatch(msg)

	if p.Qos == 1 {
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return e.write(ack)
	}
	return nil
}

func (e *Engine) emit(pkt PacketInfo, info DeserializedInfo) {
	if e.onEvent != nil {
		e.onEvent(pkt, info)
	}
}

// write encodes p into a pooled buffer and sends it with a single Write, so
// message oriented transports carry one packet per frame.
func (e *Engine) write(p packets.ControlPacket) error {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := p.Write(buf); err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}
	if err := e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if _, err := e.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	e.lastSent = time.Now()
	return nil
}
