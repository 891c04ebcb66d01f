// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package capability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hyper-ai-inc/local-agent/internal/protocol"
)

// AutoGrant grants any capability on a static allow-list.
type AutoGrant struct {
	allowed map[Name]struct{}
}

// NewAutoGrant creates the policy. An empty list grants nothing.
func NewAutoGrant(allowed []Name) *AutoGrant {
	p := &AutoGrant{allowed: make(map[Name]struct{}, len(allowed))}
	for _, n := range allowed {
		p.allowed[n] = struct{}{}
	}
	return p
}

func (p *AutoGrant) Decide(_ context.Context, req Request) Decision {
	if _, ok := p.allowed[req.Name]; ok {
		return grant()
	}
	return deny(protocol.ReasonNotAllowed)
}

// Allowed returns the allow-list, sorted for display.
func (p *AutoGrant) Allowed() []Name {
	out := make([]Name, 0, len(p.allowed))
	for _, n := range All {
		if _, ok := p.allowed[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Prompter asks a human whether to grant a capability.
type Prompter interface {
	Confirm(ctx context.Context, req Request) (bool, error)
}

// Prompt grants a capability only after a Prompter confirms it. Capabilities
// outside the allow-list are denied without asking.
type Prompt struct {
	allowed  *AutoGrant
	prompter Prompter
	timeout  time.Duration
}

// NewPrompt creates the interactive policy. A zero timeout waits as long as
// the request context allows.
func NewPrompt(allowed []Name, prompter Prompter, timeout time.Duration) *Prompt {
	return &Prompt{allowed: NewAutoGrant(allowed), prompter: prompter, timeout: timeout}
}

func (p *Prompt) Decide(ctx context.Context, req Request) Decision {
	if d := p.allowed.Decide(ctx, req); !d.Granted {
		return d
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ok, err := p.prompter.Confirm(ctx, req)
	if err != nil {
		return deny(protocol.ReasonPromptFailed)
	}
	if !ok {
		return deny(protocol.ReasonUserDenied)
	}
	return grant()
}

var ErrPromptClosed = errors.New("prompt input closed")

// TerminalPrompter asks on a line-oriented terminal: it writes a question to
// out and reads a y/N answer from in. Prompts are serialized.
//
// Each line is stamped with the prompt on screen when it was read. A line
// only answers that prompt; input typed while no prompt is open, or after a
// prompt gave up, is dropped.
type TerminalPrompter struct {
	mu  sync.Mutex
	out io.Writer

	inMu    sync.Mutex
	showing uint64
	next    uint64
	pending []answer
	closed  bool
	ready   chan struct{}
}

type answer struct {
	prompt uint64
	text   string
}

// NewTerminalPrompter starts reading answers from in.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	p := &TerminalPrompter{out: out, ready: make(chan struct{}, 1)}
	go p.read(in)
	return p
}

func (p *TerminalPrompter) read(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		p.inMu.Lock()
		if p.showing == 0 {
			fmt.Fprintln(p.out, "(no capability request pending, input ignored)")
		} else {
			p.pending = append(p.pending, answer{prompt: p.showing, text: scanner.Text()})
		}
		p.inMu.Unlock()
		p.signal()
	}
	p.inMu.Lock()
	p.closed = true
	p.inMu.Unlock()
	p.signal()
}

func (p *TerminalPrompter) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// take returns the first pending line stamped for prompt id.
func (p *TerminalPrompter) take(id uint64) (text string, ok, closed bool) {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	for len(p.pending) > 0 {
		a := p.pending[0]
		p.pending = p.pending[1:]
		if a.prompt == id {
			return a.text, true, false
		}
	}
	return "", false, p.closed
}

func (p *TerminalPrompter) Confirm(ctx context.Context, req Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inMu.Lock()
	p.next++
	id := p.next
	p.pending = nil
	fmt.Fprintf(p.out, "Grant %q to browser session %s? [y/N] ", req.Name, req.SessionID)
	p.showing = id
	p.inMu.Unlock()

	defer func() {
		p.inMu.Lock()
		p.showing = 0
		p.pending = nil
		p.inMu.Unlock()
	}()

	for {
		line, ok, closed := p.take(id)
		if ok {
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			default:
				return false, nil
			}
		}
		if closed {
			return false, ErrPromptClosed
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return false, ctx.Err()
		case <-p.ready:
		}
	}
}

// NewPolicy builds the policy named by kind ("auto" or "prompt").
func NewPolicy(kind string, allowed []Name, prompter Prompter, timeout time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "auto":
		return NewAutoGrant(allowed), nil
	case "prompt":
		if prompter == nil {
			return nil, errors.New("prompt capability policy requires a prompter")
		}
		return NewPrompt(allowed, prompter, timeout), nil
	default:
		return nil, fmt.Errorf("unknown capability policy %q", kind)
	}
}
