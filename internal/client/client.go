// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package client talks to a running agent: discovery over HTTP, then the
// hello handshake and id-correlated requests over the /ws control channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/local-agent/internal/protocol"
)

const (
	DefaultHelloTimeout      = 4 * time.Second
	DefaultCapabilityTimeout = 20 * time.Second
	DefaultCommandTimeout    = 2 * time.Minute

	detectTimeout = 2 * time.Second
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrBadOrigin        = errors.New("origin rejected by agent")
	ErrBadToken         = errors.New("token rejected by agent")
	ErrPairingFailed    = errors.New("pairing code rejected")
	ErrPairingCancelled = errors.New("pairing cancelled")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrProtocol         = errors.New("protocol violation")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// CapabilityDeniedError is returned when the agent answers cap_denied.
type CapabilityDeniedError struct {
	Cap    string
	Reason string
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability %s denied: %s", e.Cap, e.Reason)
}

// CommandError is a command that ran (or was refused) and answered ok=false.
type CommandError struct {
	Name   string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

// PairingCodeFunc asks the user for the code the agent printed. Returning
// ErrPairingCancelled aborts the connection attempt.
type PairingCodeFunc func(ctx context.Context) (string, error)

// Health is the GET /health body.
type Health struct {
	OK           bool     `json:"ok"`
	Paired       bool     `json:"paired"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// PairState is the GET /pair-code body.
type PairState struct {
	Code   string `json:"code"`
	Paired bool   `json:"paired"`
}

// Detect checks baseURL (e.g. http://127.0.0.1:17820) for a running agent.
func Detect(ctx context.Context, baseURL string) (Health, error) {
	var h Health
	if err := getJSON(ctx, baseURL, "/health", &h); err != nil {
		return Health{}, fmt.Errorf("%w: %v", ErrAgentNotFound, err)
	}
	if !h.OK {
		return Health{}, fmt.Errorf("%w: health reports not ok", ErrAgentNotFound)
	}
	return h, nil
}

// FetchPairState reads the agent's pairing code and state.
func FetchPairState(ctx context.Context, baseURL string) (PairState, error) {
	var p PairState
	if err := getJSON(ctx, baseURL, "/pair-code", &p); err != nil {
		return PairState{}, fmt.Errorf("%w: %v", ErrAgentNotFound, err)
	}
	return p, nil
}

func getJSON(ctx context.Context, baseURL, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Options configures a connection.
type Options struct {
	// Origin is sent as the upgrade Origin header and in hello.
	Origin string

	HelloTimeout      time.Duration
	CapabilityTimeout time.Duration
	CommandTimeout    time.Duration

	Dialer *websocket.Dialer
	Log    *slog.Logger
}

func (o *Options) defaults() {
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = DefaultHelloTimeout
	}
	if o.CapabilityTimeout <= 0 {
		o.CapabilityTimeout = DefaultCapabilityTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Conn is one control-channel connection. Requests from several goroutines
// may be outstanding at once; replies are matched by id.
type Conn struct {
	opts Options
	ws   *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	hello   chan protocol.Envelope
	caps    []string

	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// Connect performs the whole flow: detect the agent, ask for a pairing code
// when it is not yet paired, dial and say hello.
func Connect(ctx context.Context, baseURL, token string, pairCode PairingCodeFunc, opts Options) (*Conn, error) {
	health, err := Detect(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	var code string
	if !health.Paired {
		if pairCode == nil {
			return nil, ErrPairingCancelled
		}
		code, err = pairCode(ctx)
		if err != nil {
			return nil, err
		}
	}

	c, err := Dial(ctx, baseURL, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Hello(ctx, token, code); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Dial opens the WebSocket. The handshake is not performed; call Hello.
func Dial(ctx context.Context, baseURL string, opts Options) (*Conn, error) {
	opts.defaults()

	wsURL, err := controlURL(baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	ws, resp, err := opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, ErrBadOrigin
		}
		return nil, fmt.Errorf("%w: %v", ErrAgentNotFound, err)
	}

	c := &Conn{
		opts:    opts,
		ws:      ws,
		log:     opts.Log.With("component", "client"),
		pending: make(map[string]chan protocol.Envelope),
		hello:   make(chan protocol.Envelope, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func controlURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported agent url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Hello performs the handshake. pairCode may be empty once the agent is
// paired.
func (c *Conn) Hello(ctx context.Context, token, pairCode string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HelloTimeout)
	defer cancel()

	if err := c.write(protocol.Hello(c.opts.Origin, token, pairCode)); err != nil {
		return err
	}
	select {
	case env := <-c.hello:
		c.mu.Lock()
		c.caps = env.Caps
		c.mu.Unlock()
		return nil
	case <-c.done:
		return c.closeErr
	case <-ctx.Done():
		return timeoutErr(ctx)
	}
}

// Caps returns the capabilities reported in hello_ok.
func (c *Conn) Caps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.caps...)
}

// RequestCapability asks for a capability for this connection.
func (c *Conn) RequestCapability(ctx context.Context, name string) error {
	id := uuid.NewString()
	env, err := c.roundTrip(ctx, id, protocol.RequestCap(id, name), c.opts.CapabilityTimeout)
	if err != nil {
		return err
	}
	if env.Type == protocol.TypeCapDenied {
		return &CapabilityDeniedError{Cap: name, Reason: env.Reason}
	}
	return nil
}

// Send runs a command and returns its result.
func (c *Conn) Send(ctx context.Context, name string, args any) (json.RawMessage, error) {
	id := uuid.NewString()
	cmd, err := protocol.Command(id, name, args)
	if err != nil {
		return nil, err
	}
	env, err := c.roundTrip(ctx, id, cmd, c.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !env.Succeeded() {
		return nil, &CommandError{Name: name, Reason: env.Error}
	}
	return env.Result, nil
}

// Call is Send followed by decoding the result into out.
func (c *Conn) Call(ctx context.Context, name string, args, out any) error {
	raw, err := c.Send(ctx, name, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

func (c *Conn) roundTrip(ctx context.Context, id string, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(env); err != nil {
		c.forget(id)
		return protocol.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		c.forget(id)
		// A reply read just before the connection ended still counts.
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return protocol.Envelope{}, c.closeErr
	case <-ctx.Done():
		// The agent keeps working; a reply that shows up later is dropped.
		c.forget(id)
		return protocol.Envelope{}, timeoutErr(ctx)
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (c *Conn) write(env protocol.Envelope) error {
	select {
	case <-c.done:
		return c.closeErr
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(closeError(err))
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("undecodable frame from agent", "error", err)
			continue
		}
		c.deliver(env)
	}
}

func (c *Conn) deliver(env protocol.Envelope) {
	if env.Type == protocol.TypeHelloOK {
		select {
		case c.hello <- env:
		default:
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("reply for unknown id ignored", "id", env.ID, "type", env.Type)
		return
	}
	ch <- env
}

// closeError maps the agent's close code to an error. Every result wraps
// ErrConnectionClosed.
func closeError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return ErrConnectionClosed
	}
	var cause error
	switch ce.Code {
	case protocol.CloseBadOrigin:
		cause = ErrBadOrigin
	case protocol.CloseBadToken:
		cause = ErrBadToken
	case protocol.ClosePairingMismatch:
		cause = ErrPairingFailed
	case protocol.CloseUnauthorized:
		cause = ErrUnauthorized
	case protocol.CloseProtocolViolation:
		cause = ErrProtocol
	case protocol.CloseHandshakeTimeout:
		cause = ErrHandshakeTimeout
	default:
		return fmt.Errorf("%w: code %d", ErrConnectionClosed, ce.Code)
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		c.ws.Close()
	})
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close sends a normal close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrConnectionClosed)
	return nil
}
