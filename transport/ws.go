// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket to net.Conn. Each Write becomes one binary
// message and inbound messages are concatenated into a byte stream.
//
// A gorilla read that times out breaks the connection, so messages are read
// by a background goroutine and read deadlines are enforced here instead.
type wsConn struct {
	ws      *websocket.Conn
	frames  chan []byte
	done    chan struct{}
	pending []byte

	// Written by readLoop before frames is closed.
	readErr error

	mu           sync.Mutex
	readDeadline time.Time
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.frames)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if messageType != websocket.BinaryMessage {
			c.readErr = ErrUnexpectedFrame
			return
		}

		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.pending) == 0 {
		if err := c.nextFrame(); err != nil {
			return 0, err
		}
	}

	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// nextFrame waits for one binary frame, honoring the read deadline. Empty
// frames leave pending empty and Read waits again.
func (c *wsConn) nextFrame() error {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return c.readErr
			}
			return io.EOF
		}
		c.pending = data
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-c.done:
		return net.ErrClosed
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
