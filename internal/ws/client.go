// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/local-agent/internal/auth"
	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/protocol"
	"github.com/hyper-ai-inc/local-agent/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	outboxSize     = 64
)

// outbound is one frame for the writer: an envelope, or a close frame when
// closeCode is set.
type outbound struct {
	env       protocol.Envelope
	closeCode int
	closeText string
}

// Client is one control-channel connection. The read loop runs on the
// HandleWebSocket goroutine; writes are serialized through WritePump, the
// only goroutine that writes to conn.
type Client struct {
	router *Router
	conn   *websocket.Conn
	sess   *session.Session
	log    *slog.Logger

	out  chan outbound
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closing   chan struct{}

	handlers sync.WaitGroup
}

func newClient(r *Router, conn *websocket.Conn, sess *session.Session) *Client {
	return &Client{
		router:  r,
		conn:    conn,
		sess:    sess,
		log:     r.log.With("session", sess.ID()),
		out:     make(chan outbound, outboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (c *Client) serve() {
	c.log.Info("connection opened", "origin", c.sess.Origin())

	go c.WritePump()
	c.ReadPump()

	// Cancel in-flight handlers (kills their subprocesses), let them
	// finish, then stop the writer.
	cancelled := c.sess.InFlight()
	c.sess.Close()
	c.handlers.Wait()
	close(c.quit)
	<-c.done

	c.log.Info("connection closed", "duration", c.sess.Age(), "cancelled", cancelled)
}

// ReadPump reads frames in arrival order until the connection fails or the
// client decides to close it.
func (c *Client) ReadPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.router.opts.HandshakeTimeout))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !c.sess.Authenticated() {
				c.log.Info("handshake timeout")
				c.close(protocol.CloseHandshakeTimeout, "")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", "error", err)
			}
			return
		}
		if c.isClosing() {
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Info("binary frame rejected")
			c.close(protocol.CloseProtocolViolation, "")
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Info("malformed frame", "error", err)
			c.close(protocol.CloseProtocolViolation, "")
			return
		}

		if !c.sess.Authenticated() {
			if !c.handshake(env) {
				return
			}
			continue
		}

		if !c.handle(env) {
			return
		}
		// Any traffic from an authenticated peer counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// handshake processes the first frame. It returns false when the
// connection is being closed.
func (c *Client) handshake(env protocol.Envelope) bool {
	opts := c.router.opts

	if env.Type != protocol.TypeHello {
		c.log.Info("frame before hello", "type", env.Type)
		c.close(protocol.CloseUnauthorized, "")
		return false
	}
	if !opts.Origins.IsAllowed(env.Origin) || !auth.SameOrigin(env.Origin, c.sess.Origin()) {
		c.log.Warn("hello origin rejected", "hello_origin", env.Origin, "header_origin", c.sess.Origin())
		c.close(protocol.CloseBadOrigin, "")
		return false
	}
	if err := opts.Tokens.Verify(env.Token); err != nil {
		c.log.Warn("token rejected", "error", err, "token", auth.Redact(env.Token))
		c.close(protocol.CloseBadToken, "")
		return false
	}
	if !opts.Pairing.CheckAndConsume(env.PairCode) {
		c.log.Warn("pairing code mismatch")
		c.close(protocol.ClosePairingMismatch, "")
		return false
	}
	if err := c.sess.Authenticate(); err != nil {
		c.close(protocol.CloseProtocolViolation, "")
		return false
	}

	c.log.Info("handshake complete")
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	return c.send(protocol.HelloOK(capability.Strings(c.sess.Grants()), opts.Version))
}

// handle processes one frame from an authenticated peer. It returns false
// when the connection is being closed.
func (c *Client) handle(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeRequestCap:
		reply := c.router.opts.Broker.Request(c.sess.Context(), c.sess, capability.Name(env.Cap), env.ID)
		return c.send(reply)

	case protocol.TypeCommand:
		if !c.sess.Begin(env.ID) {
			c.log.Warn("duplicate in-flight command id", "id", env.ID)
			c.close(protocol.CloseProtocolViolation, "")
			return false
		}
		if reply, ok := c.router.opts.Dispatcher.Admit(c.sess, env); !ok {
			c.sess.End(env.ID)
			return c.send(reply)
		}

		c.handlers.Add(1)
		go c.run(env)
		return true

	default:
		// A second hello, or a server-to-client type.
		c.log.Info("unexpected frame", "type", env.Type)
		c.close(protocol.CloseProtocolViolation, "")
		return false
	}
}

func (c *Client) run(env protocol.Envelope) {
	defer c.handlers.Done()

	ctx := c.sess.Context()
	start := time.Now()
	reply := c.router.opts.Dispatcher.Execute(ctx, c.sess, env)
	// Release the id before the reply is visible so the client may reuse it.
	c.sess.End(env.ID)
	if ctx.Err() != nil {
		// The socket is gone; nobody is waiting for this reply.
		return
	}
	c.log.Debug("command done", "id", env.ID, "command", env.Name, "ok", reply.Succeeded(), "duration", time.Since(start))
	c.send(reply)
}

// send queues an envelope for the writer. It returns false once the writer
// has stopped.
func (c *Client) send(env protocol.Envelope) bool {
	select {
	case c.out <- outbound{env: env}:
		return true
	case <-c.done:
		return false
	}
}

// close asks the writer to send a close frame and stop. Only the first call
// has an effect.
func (c *Client) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		if text == "" {
			text = protocol.CloseReason(code)
		}
		select {
		case c.out <- outbound{closeCode: code, closeText: text}:
		case <-c.done:
		}
	})
}

func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// closeNow writes a close frame directly. Only used before WritePump starts.
func (c *Client) closeNow(code int, text string) {
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.conn.Close()
	c.sess.Close()
}

// WritePump writes queued frames and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg := <-c.out:
			if !c.write(msg) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			// Flush what is queued, including a pending close frame.
			for {
				select {
				case msg := <-c.out:
					if !c.write(msg) {
						return
					}
				default:
					c.write(outbound{closeCode: websocket.CloseNormalClosure})
					return
				}
			}
		}
	}
}

// write sends one frame. It returns false when the writer must stop: after
// a close frame or on error.
func (c *Client) write(msg outbound) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if msg.closeCode != 0 {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.closeCode, msg.closeText))
		return false
	}
	data, err := json.Marshal(msg.env)
	if err != nil {
		c.log.Error("encode envelope", "error", err)
		return true
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}
