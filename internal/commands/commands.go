// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package commands maps command names to handlers and enforces the
// capability each one requires.
//
// The dispatcher is the only enforcement point for capabilities: a handler
// never runs unless the session holds the handler's capability at the moment
// of dispatch. Every dispatch produces exactly one response envelope, including
// when the handler panics.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/protocol"
)

// Reasons surfaced by built-in handlers in addition to the protocol ones.
const (
	ReasonBuildFailed = "build_failed"
	ReasonSpawnFailed = "spawn_failed"
)

// HandlerFunc runs a command. args is the raw "args" field of the envelope
// and may be empty.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Error is a handler failure with a stable machine reason. Detail, when set,
// is appended to the wire string as "reason: detail".
type Error struct {
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Wire()
}

func (e *Error) Unwrap() error { return e.Err }

// Wire returns the string sent in response.error.
func (e *Error) Wire() string {
	if e.Detail != "" {
		return e.Reason + ": " + e.Detail
	}
	return e.Reason
}

// Fail builds an Error with a reason and a wrapped cause.
func Fail(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Validator is implemented by argument types that check themselves after
// decoding. A failure is reported as invalid_args.
type Validator interface {
	Validate() error
}

type handler struct {
	cap    capability.Name
	handle HandlerFunc
}

// Dispatcher is a typed command registry.
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]handler
}

// NewDispatcher creates an empty registry.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		log:      logger.With("component", "commands"),
		handlers: make(map[string]handler),
	}
}

// Register adds a handler. Registering a name twice panics: the registry is
// built once at startup.
func (d *Dispatcher) Register(name string, cap capability.Name, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[name]; dup {
		panic(fmt.Sprintf("commands: duplicate registration of %q", name))
	}
	d.handlers[name] = handler{cap: cap, handle: h}
}

// Names lists registered commands, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Admit performs the checks that precede running a handler: the command
// must exist and holder must hold its capability now. When it returns false
// the envelope is the failure response to send.
func (d *Dispatcher) Admit(holder capability.Holder, cmd protocol.Envelope) (protocol.Envelope, bool) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name]
	d.mu.RUnlock()

	if !ok {
		return protocol.Failure(cmd.ID, protocol.ErrUnknownCommand), false
	}
	if !holder.Has(h.cap) {
		d.log.Info("capability missing", "session", holder.ID(), "command", cmd.Name, "capability", h.cap)
		return protocol.Failure(cmd.ID, protocol.ErrCapabilityRequired), false
	}
	return protocol.Envelope{}, true
}

// Execute runs an admitted command. The capability is checked again so a
// grant revoked between Admit and Execute still blocks the handler.
func (d *Dispatcher) Execute(ctx context.Context, holder capability.Holder, cmd protocol.Envelope) protocol.Envelope {
	if resp, ok := d.Admit(holder, cmd); !ok {
		return resp
	}

	d.mu.RLock()
	h := d.handlers[cmd.Name]
	d.mu.RUnlock()

	result, err := d.invoke(ctx, h, cmd)
	if err != nil {
		d.log.Debug("command failed", "session", holder.ID(), "id", cmd.ID, "command", cmd.Name, "error", err)
		return protocol.Failure(cmd.ID, wireError(err))
	}
	return protocol.Success(cmd.ID, result)
}

func (d *Dispatcher) invoke(ctx context.Context, h handler, cmd protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "command", cmd.Name, "id", cmd.ID, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = Fail(protocol.ErrInternal, fmt.Errorf("panic: %v", r))
		}
	}()
	return h.handle(ctx, cmd.Args)
}

func wireError(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Wire()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return protocol.ErrInternal
}

// Typed adapts a function taking a decoded argument struct. Unknown fields,
// trailing data and type mismatches are rejected as invalid_args. Missing or
// null args decode to the zero value of A.
func Typed[A any, R any](fn func(ctx context.Context, args A) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, Fail(protocol.ErrInvalidArgs, err)
			}
			if dec.More() {
				return nil, Fail(protocol.ErrInvalidArgs, errors.New("trailing data after args"))
			}
		}
		if v, ok := any(&args).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, Fail(protocol.ErrInvalidArgs, err)
			}
		}
		return fn(ctx, args)
	}
}
