// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package session holds per-connection state for the agent control channel.
//
// A Session lives exactly as long as its WebSocket connection. It tracks the
// handshake state, the capabilities granted to this connection and the ids of
// commands currently executing. Nothing is shared across connections: a new
// socket always starts unauthenticated with no grants.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/local-agent/internal/capability"
)

// State is the connection state.
type State string

const (
	StateHandshaking   State = "handshaking"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrNotHandshaking = errors.New("session not handshaking")
)

// Session is the per-connection state machine.
type Session struct {
	id        string
	origin    string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	state    State
	grants   map[capability.Name]struct{}
	inflight map[string]struct{}
}

// New creates a session for a freshly opened socket. The socket is open, so
// the session starts in the handshaking state. parent bounds the lifetime of
// work started on behalf of this session.
func New(parent context.Context, origin string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        uuid.New().String(),
		origin:    origin,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateHandshaking,
		grants:    make(map[capability.Name]struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// ID returns the connection-scoped session id (for logs only).
func (s *Session) ID() string {
	return s.id
}

// Origin returns the Origin header the socket was upgraded with.
func (s *Session) Origin() string {
	return s.origin
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated reports whether the handshake completed.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Authenticate moves the session from handshaking to authenticated.
func (s *Session) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateHandshaking:
		s.state = StateAuthenticated
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotHandshaking
	}
}

// Close moves the session to closed, drops grants and in-flight bookkeeping
// and cancels the session context. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.grants = make(map[capability.Name]struct{})
	s.inflight = make(map[string]struct{})
	s.mu.Unlock()

	s.cancel()
}

// Grant records a capability. It reports whether the grant set changed.
func (s *Session) Grant(name capability.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return false
	}
	if _, ok := s.grants[name]; ok {
		return false
	}
	s.grants[name] = struct{}{}
	return true
}

// Has reports whether the capability is currently granted. Only an
// authenticated session holds capabilities.
func (s *Session) Has(name capability.Name) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateAuthenticated {
		return false
	}
	_, ok := s.grants[name]
	return ok
}

// Grants returns the granted capabilities, sorted.
func (s *Session) Grants() []capability.Name {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]capability.Name, 0, len(s.grants))
	for n := range s.grants {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Begin registers a command id as in flight. It returns false if the id is
// already in flight on this session or the session is closed.
func (s *Session) Begin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// End releases an in-flight id.
func (s *Session) End(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// InFlight returns the number of commands currently executing.
func (s *Session) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inflight)
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}
