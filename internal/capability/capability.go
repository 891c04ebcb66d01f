// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package capability decides which privileged operation categories a session
// may use.
//
// A grant is recorded on the requesting session only. The command dispatcher
// re-checks membership on every call, so the broker is where grants are
// decided and the dispatcher is where they are enforced.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hyper-ai-inc/local-agent/internal/protocol"
)

// Name identifies a capability category.
type Name string

const (
	FS      Name = "fs"
	Process Name = "process"
	Editor  Name = "editor"
	Build   Name = "build"
	System  Name = "system"
)

// All lists every capability the agent knows about.
var All = []Name{Build, Editor, FS, Process, System}

// Known reports whether name is one of All.
func Known(name Name) bool {
	for _, n := range All {
		if n == name {
			return true
		}
	}
	return false
}

// ParseList parses configured capability names, rejecting unknown ones.
func ParseList(names []string) ([]Name, error) {
	out := make([]Name, 0, len(names))
	for _, raw := range names {
		n := Name(strings.ToLower(strings.TrimSpace(raw)))
		if n == "" {
			continue
		}
		if !Known(n) {
			return nil, fmt.Errorf("unknown capability %q", raw)
		}
		out = append(out, n)
	}
	return out, nil
}

// Strings converts names for the wire, sorted.
func Strings(names []Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	sort.Strings(out)
	return out
}

// Holder is the per-session grant set the broker writes to.
type Holder interface {
	ID() string
	Has(name Name) bool
	Grant(name Name) bool
}

// Request describes one capability request.
type Request struct {
	SessionID string
	Name      Name
}

// Decision is a policy verdict. Reason is set when Granted is false.
type Decision struct {
	Granted bool
	Reason  string
}

func grant() Decision             { return Decision{Granted: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Policy decides capability requests.
type Policy interface {
	Decide(ctx context.Context, req Request) Decision
}

// Broker evaluates capability requests against a Policy and records grants.
type Broker struct {
	policy Policy
	log    *slog.Logger
}

// NewBroker creates a broker. A nil logger discards output.
func NewBroker(policy Policy, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{policy: policy, log: logger.With("component", "capability")}
}

// Request handles a request_cap and returns the cap_ok or cap_denied reply.
// Re-requesting a held capability is answered with cap_ok without consulting
// the policy again.
func (b *Broker) Request(ctx context.Context, h Holder, name Name, id string) protocol.Envelope {
	if !Known(name) {
		b.log.Info("capability denied", "session", h.ID(), "cap", name, "reason", protocol.ReasonUnknownCapability)
		return protocol.CapDenied(id, string(name), protocol.ReasonUnknownCapability)
	}
	if h.Has(name) {
		return protocol.CapOK(id, string(name))
	}

	d := b.policy.Decide(ctx, Request{SessionID: h.ID(), Name: name})
	if !d.Granted {
		reason := d.Reason
		if reason == "" {
			reason = protocol.ReasonNotAllowed
		}
		b.log.Info("capability denied", "session", h.ID(), "cap", name, "reason", reason)
		return protocol.CapDenied(id, string(name), reason)
	}

	h.Grant(name)
	b.log.Info("capability granted", "session", h.ID(), "cap", name)
	return protocol.CapOK(id, string(name))
}
