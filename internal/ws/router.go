// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ws serves the agent control channel on /ws.
//
// The upgrade is refused outright for origins outside the allow-list. An
// accepted socket must complete the hello handshake (origin, token, pairing
// code) before anything else; after that it may request capabilities and
// send commands. Commands run concurrently and answer in completion order.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/local-agent/internal/auth"
	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/commands"
	"github.com/hyper-ai-inc/local-agent/internal/pairing"
	"github.com/hyper-ai-inc/local-agent/internal/session"
)

const defaultHandshakeTimeout = 10 * time.Second

// Options wires the router to the rest of the agent.
type Options struct {
	Origins    *auth.OriginValidator
	Tokens     auth.TokenVerifier
	Pairing    *pairing.Authority
	Broker     *capability.Broker
	Dispatcher *commands.Dispatcher
	Version    string

	// HandshakeTimeout bounds the wait for the hello frame.
	HandshakeTimeout time.Duration
	Log              *slog.Logger
}

// Router upgrades /ws requests and owns the live connections.
type Router struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// NewRouter creates a WebSocket router.
func NewRouter(opts Options) *Router {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:    opts,
		log:     opts.Log.With("component", "ws"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// checkOrigin validates the Origin header against the allow-list. A missing
// header is rejected: browsers always send one on cross-origin upgrades.
func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if r.opts.Origins.IsAllowed(origin) {
		return true
	}
	r.log.Warn("upgrade refused", "origin", origin, "remote", req.RemoteAddr)
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error (403 for a bad origin).
		r.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := session.New(r.ctx, req.Header.Get("Origin"))
	client := newClient(r, conn, sess)
	if !r.track(client) {
		client.closeNow(websocket.CloseGoingAway, "shutting down")
		return
	}
	defer r.untrack(client)

	client.serve()
}

func (r *Router) track(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return false
	}
	r.clients[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Router) untrack(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	r.wg.Done()
}

// ClientCount returns the number of open connections.
func (r *Router) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Shutdown closes every connection with 1001 (going away), cancels in-flight
// work and waits for connection handlers to return or ctx to end.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
