// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package capability

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hyper-ai-inc/local-agent/internal/protocol"
)

type fakeHolder struct {
	grants map[Name]int
}

func newFakeHolder() *fakeHolder { return &fakeHolder{grants: make(map[Name]int)} }

func (h *fakeHolder) ID() string         { return "test-session" }
func (h *fakeHolder) Has(name Name) bool { return h.grants[name] > 0 }
func (h *fakeHolder) Grant(name Name) bool {
	h.grants[name]++
	return h.grants[name] == 1
}

type countingPolicy struct {
	Policy
	calls int
}

func (p *countingPolicy) Decide(ctx context.Context, req Request) Decision {
	p.calls++
	return p.Policy.Decide(ctx, req)
}

func TestBrokerGrantsAllowed(t *testing.T) {
	b := NewBroker(NewAutoGrant([]Name{FS}), nil)
	h := newFakeHolder()

	env := b.Request(context.Background(), h, FS, "req-1")
	if env.Type != protocol.TypeCapOK || env.ID != "req-1" || env.Cap != "fs" {
		t.Fatalf("unexpected reply %+v", env)
	}
	if !h.Has(FS) {
		t.Error("expected fs granted")
	}
}

func TestBrokerDeniesNotAllowed(t *testing.T) {
	b := NewBroker(NewAutoGrant([]Name{FS}), nil)
	h := newFakeHolder()

	env := b.Request(context.Background(), h, Process, "req-2")
	if env.Type != protocol.TypeCapDenied || env.Reason != protocol.ReasonNotAllowed {
		t.Fatalf("unexpected reply %+v", env)
	}
	if h.Has(Process) {
		t.Error("denied capability must not be granted")
	}
}

func TestBrokerDeniesUnknown(t *testing.T) {
	b := NewBroker(NewAutoGrant(All), nil)
	h := newFakeHolder()

	env := b.Request(context.Background(), h, Name("root"), "req-3")
	if env.Type != protocol.TypeCapDenied || env.Reason != protocol.ReasonUnknownCapability {
		t.Fatalf("unexpected reply %+v", env)
	}
	if len(h.grants) != 0 {
		t.Errorf("expected grant set unchanged, got %v", h.grants)
	}
}

func TestBrokerIdempotent(t *testing.T) {
	policy := &countingPolicy{Policy: NewAutoGrant(All)}
	b := NewBroker(policy, nil)
	h := newFakeHolder()

	for i := 0; i < 3; i++ {
		env := b.Request(context.Background(), h, FS, "req")
		if env.Type != protocol.TypeCapOK {
			t.Fatalf("request %d: unexpected reply %+v", i, env)
		}
	}
	if h.grants[FS] != 1 {
		t.Errorf("expected a single grant entry, got %d", h.grants[FS])
	}
	if policy.calls != 1 {
		t.Errorf("expected policy consulted once, got %d", policy.calls)
	}
}

type scriptedPrompter struct {
	answer bool
	err    error
	asked  []Name
}

func (p *scriptedPrompter) Confirm(_ context.Context, req Request) (bool, error) {
	p.asked = append(p.asked, req.Name)
	return p.answer, p.err
}

func TestPromptPolicy(t *testing.T) {
	tests := []struct {
		name       string
		prompter   *scriptedPrompter
		cap        Name
		wantGrant  bool
		wantReason string
		wantAsked  int
	}{
		{"confirmed", &scriptedPrompter{answer: true}, FS, true, "", 1},
		{"declined", &scriptedPrompter{answer: false}, FS, false, protocol.ReasonUserDenied, 1},
		{"prompt error", &scriptedPrompter{err: errors.New("no tty")}, FS, false, protocol.ReasonPromptFailed, 1},
		{"outside allow-list", &scriptedPrompter{answer: true}, Process, false, protocol.ReasonNotAllowed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPrompt([]Name{FS}, tt.prompter, time.Second)
			d := p.Decide(context.Background(), Request{SessionID: "s", Name: tt.cap})
			if d.Granted != tt.wantGrant || d.Reason != tt.wantReason {
				t.Errorf("got %+v, want granted=%v reason=%q", d, tt.wantGrant, tt.wantReason)
			}
			if len(tt.prompter.asked) != tt.wantAsked {
				t.Errorf("prompter asked %d times, want %d", len(tt.prompter.asked), tt.wantAsked)
			}
		})
	}
}

// testTerminal records what the prompter prints.
type testTerminal struct {
	lines chan string
}

func newTestTerminal() *testTerminal { return &testTerminal{lines: make(chan string, 32)} }

func (tt *testTerminal) Write(b []byte) (int, error) {
	tt.lines <- string(b)
	return len(b), nil
}

func (tt *testTerminal) waitFor(t *testing.T, substr string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line := <-tt.lines:
			if strings.Contains(line, substr) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", substr)
		}
	}
}

func TestTerminalPrompter(t *testing.T) {
	r, w := io.Pipe()
	term := newTestTerminal()
	p := NewTerminalPrompter(r, term)

	confirm := func(line string) (bool, error) {
		type result struct {
			ok  bool
			err error
		}
		done := make(chan result, 1)
		go func() {
			ok, err := p.Confirm(context.Background(), Request{SessionID: "s", Name: FS})
			done <- result{ok, err}
		}()
		term.waitFor(t, "Grant")
		io.WriteString(w, line)
		res := <-done
		return res.ok, res.err
	}

	if ok, err := confirm("y\n"); err != nil || !ok {
		t.Fatalf("expected yes, got %v %v", ok, err)
	}
	if ok, err := confirm("no\n"); err != nil || ok {
		t.Fatalf("expected no, got %v %v", ok, err)
	}

	w.Close()
	if _, err := p.Confirm(context.Background(), Request{SessionID: "s", Name: FS}); !errors.Is(err, ErrPromptClosed) {
		t.Fatalf("expected ErrPromptClosed at EOF, got %v", err)
	}
}

// A late answer to a prompt that timed out must not answer the next one.
func TestTerminalPrompterIgnoresLateAnswer(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := newTestTerminal()
	policy := NewPrompt([]Name{FS, Process}, NewTerminalPrompter(r, term), 50*time.Millisecond)

	d := policy.Decide(context.Background(), Request{SessionID: "a", Name: FS})
	if d.Granted || d.Reason != protocol.ReasonPromptFailed {
		t.Fatalf("expected fs prompt to time out, got %+v", d)
	}

	io.WriteString(w, "y\n")
	term.waitFor(t, "input ignored")

	d = policy.Decide(context.Background(), Request{SessionID: "b", Name: Process})
	if d.Granted {
		t.Fatal("process granted by an answer typed for an earlier prompt")
	}
	if d.Reason != protocol.ReasonPromptFailed {
		t.Errorf("expected prompt_failed, got %+v", d)
	}
}

func TestTerminalPrompterContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewTerminalPrompter(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Confirm(ctx, Request{Name: FS}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestParseList(t *testing.T) {
	names, err := ParseList([]string{"FS", " process ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != FS || names[1] != Process {
		t.Errorf("unexpected names %v", names)
	}
	if _, err := ParseList([]string{"root"}); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestNewPolicy(t *testing.T) {
	if _, err := NewPolicy("prompt", All, nil, 0); err == nil {
		t.Error("expected error for prompt policy without prompter")
	}
	if _, err := NewPolicy("ask-twice", All, nil, 0); err == nil {
		t.Error("expected error for unknown policy")
	}
	p, err := NewPolicy("auto", All, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*AutoGrant); !ok {
		t.Errorf("expected *AutoGrant, got %T", p)
	}
}
