// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"hello", `{"type":"hello","origin":"https://app.example.com","token":"t"}`, nil},
		{"request_cap", `{"type":"request_cap","id":"1","cap":"fs"}`, nil},
		{"command", `{"type":"command","id":"1","name":"fs.list","args":{"path":"."}}`, nil},
		{"command without args", `{"type":"command","id":"1","name":"system.info"}`, nil},
		{"not json", `{"type":`, ErrMalformed},
		{"missing type", `{"id":"1"}`, ErrMalformed},
		{"unknown type", `{"type":"subscribe","id":"1"}`, ErrUnknownType},
		{"command without id", `{"type":"command","name":"fs.list"}`, ErrMissingID},
		{"command without name", `{"type":"command","id":"1"}`, ErrMalformed},
		{"request_cap without id", `{"type":"request_cap","cap":"fs"}`, ErrMissingID},
		{"request_cap without cap", `{"type":"request_cap","id":"1"}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResponseShape(t *testing.T) {
	data, err := json.Marshal(Success("abc", map[string]bool{"success": true}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["type"] != "response" || got["id"] != "abc" || got["ok"] != true {
		t.Errorf("unexpected success envelope: %s", data)
	}
	if _, ok := got["error"]; ok {
		t.Errorf("success envelope must not carry error: %s", data)
	}

	data, _ = json.Marshal(Failure("abc", ErrNotFound))
	got = nil
	json.Unmarshal(data, &got)
	if got["ok"] != false || got["error"] != "not_found" {
		t.Errorf("unexpected failure envelope: %s", data)
	}
	if _, ok := got["result"]; ok {
		t.Errorf("failure envelope must not carry result: %s", data)
	}
}

func TestHelloOKAlwaysListsCaps(t *testing.T) {
	data, _ := json.Marshal(HelloOK(nil, "1.0.0"))
	var got map[string]any
	json.Unmarshal(data, &got)
	caps, ok := got["caps"].([]any)
	if !ok {
		t.Fatalf("expected caps array in %s", data)
	}
	if len(caps) != 0 {
		t.Errorf("expected empty caps, got %v", caps)
	}
}

func TestCloseReason(t *testing.T) {
	codes := []int{CloseBadOrigin, CloseBadToken, ClosePairingMismatch, CloseUnauthorized, CloseProtocolViolation, CloseHandshakeTimeout}
	seen := make(map[string]bool)
	for _, c := range codes {
		r := CloseReason(c)
		if seen[r] {
			t.Errorf("duplicate close reason %q", r)
		}
		seen[r] = true
	}
}
