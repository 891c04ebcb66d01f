// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package protocol defines the envelope exchanged between a browser origin and
// the local agent over the /ws endpoint.
//
// Every frame is a JSON text message tagged by "type". Request-carrying frames
// (request_cap, command) carry a client-chosen id which the agent echoes on the
// matching reply. Handshake failures are reported by closing the socket with one
// of the Close* codes rather than by a message body, so clients can tell
// retryable and fatal failures apart from the code alone.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates envelope variants.
type Type string

const (
	TypeHello      Type = "hello"
	TypeHelloOK    Type = "hello_ok"
	TypeRequestCap Type = "request_cap"
	TypeCapOK      Type = "cap_ok"
	TypeCapDenied  Type = "cap_denied"
	TypeCommand    Type = "command"
	TypeResponse   Type = "response"
)

// WebSocket close codes (application range 4000-4999).
const (
	CloseBadOrigin         = 4001
	CloseBadToken          = 4002
	ClosePairingMismatch   = 4003
	CloseUnauthorized      = 4004
	CloseProtocolViolation = 4005
	CloseHandshakeTimeout  = 4006
)

// CloseReason returns the short text sent alongside a close code.
func CloseReason(code int) string {
	switch code {
	case CloseBadOrigin:
		return "bad_origin"
	case CloseBadToken:
		return "bad_token"
	case ClosePairingMismatch:
		return "pairing_mismatch"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseProtocolViolation:
		return "protocol_violation"
	case CloseHandshakeTimeout:
		return "handshake_timeout"
	default:
		return "closed"
	}
}

// Machine-stable error reasons carried in response.error and cap_denied.reason.
const (
	ErrUnknownCommand     = "unknown_command"
	ErrCapabilityRequired = "capability_required"
	ErrInvalidArgs        = "invalid_args"
	ErrNotFound           = "not_found"
	ErrInternal           = "internal_error"

	ReasonUnknownCapability = "unknown_capability"
	ReasonNotAllowed        = "not_allowed"
	ReasonPromptFailed      = "prompt_failed"
	ReasonUserDenied        = "user_denied"
)

// Envelope is the wire unit. Fields are populated according to Type; unused
// fields are omitted on encode.
type Envelope struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`

	// hello
	Origin   string `json:"origin,omitempty"`
	Token    string `json:"token,omitempty"`
	PairCode string `json:"pairCode,omitempty"`

	// hello_ok
	Caps    []string `json:"caps,omitzero"`
	Version string   `json:"version,omitempty"`
	Paired  bool     `json:"paired,omitempty"`

	// request_cap, cap_ok, cap_denied
	Cap    string `json:"cap,omitempty"`
	Reason string `json:"reason,omitempty"`

	// command
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// response
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
	ErrMissingID   = errors.New("envelope missing id")
)

// Decode parses a single frame and checks the per-type required fields.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeHello:
	case TypeRequestCap:
		if env.ID == "" {
			return Envelope{}, ErrMissingID
		}
		if env.Cap == "" {
			return Envelope{}, fmt.Errorf("%w: request_cap without cap", ErrMalformed)
		}
	case TypeCommand:
		if env.ID == "" {
			return Envelope{}, ErrMissingID
		}
		if env.Name == "" {
			return Envelope{}, fmt.Errorf("%w: command without name", ErrMalformed)
		}
	case TypeHelloOK, TypeCapOK, TypeCapDenied, TypeResponse:
		// Server-to-client variants; Decode is also used by the client.
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Hello builds the client greeting.
func Hello(origin, token, pairCode string) Envelope {
	return Envelope{Type: TypeHello, Origin: origin, Token: token, PairCode: pairCode}
}

// HelloOK builds the handshake acknowledgement.
func HelloOK(caps []string, version string) Envelope {
	if caps == nil {
		caps = []string{}
	}
	return Envelope{Type: TypeHelloOK, Caps: caps, Version: version, Paired: true}
}

// RequestCap builds a capability request.
func RequestCap(id, capName string) Envelope {
	return Envelope{Type: TypeRequestCap, ID: id, Cap: capName}
}

// CapOK builds a capability grant reply.
func CapOK(id, capName string) Envelope {
	return Envelope{Type: TypeCapOK, ID: id, Cap: capName}
}

// CapDenied builds a capability refusal.
func CapDenied(id, capName, reason string) Envelope {
	return Envelope{Type: TypeCapDenied, ID: id, Cap: capName, Reason: reason}
}

// Command builds a command request. args may be nil.
func Command(id, name string, args any) (Envelope, error) {
	env := Envelope{Type: TypeCommand, ID: id, Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Envelope{}, err
		}
		env.Args = raw
	}
	return env, nil
}

// Success wraps a handler result into a response envelope.
func Success(id string, result any) Envelope {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(id, ErrInternal)
	}
	ok := true
	return Envelope{Type: TypeResponse, ID: id, OK: &ok, Result: raw}
}

// Failure wraps an error reason into a response envelope.
func Failure(id, reason string) Envelope {
	ok := false
	if reason == "" {
		reason = ErrInternal
	}
	return Envelope{Type: TypeResponse, ID: id, OK: &ok, Error: reason}
}

// Succeeded reports whether a response envelope carries ok:true.
func (e Envelope) Succeeded() bool {
	return e.OK != nil && *e.OK
}
