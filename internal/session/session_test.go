// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hyper-ai-inc/local-agent/internal/capability"
)

func TestSessionLifecycle(t *testing.T) {
	s := New(context.Background(), "https://app.example.com")

	if s.State() != StateHandshaking {
		t.Fatalf("expected handshaking, got %s", s.State())
	}
	if s.ID() == "" {
		t.Error("expected non-empty session ID")
	}

	// Grants before authentication are ignored.
	if s.Grant(capability.FS) {
		t.Error("grant must not apply before authentication")
	}
	if s.Has(capability.FS) {
		t.Error("unauthenticated session must hold no capabilities")
	}

	if err := s.Authenticate(); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("expected authenticated")
	}
	if err := s.Authenticate(); !errors.Is(err, ErrNotHandshaking) {
		t.Errorf("expected ErrNotHandshaking on second authenticate, got %v", err)
	}

	s.Close()
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %s", s.State())
	}
	if err := s.Authenticate(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Error("expected context cancelled on close")
	}

	// Closing twice is harmless.
	s.Close()
}

func TestSessionGrantIdempotent(t *testing.T) {
	s := New(context.Background(), "")
	s.Authenticate()

	if !s.Grant(capability.FS) {
		t.Error("expected first grant to change the set")
	}
	if s.Grant(capability.FS) {
		t.Error("expected repeated grant to be a no-op")
	}
	s.Grant(capability.Process)

	grants := s.Grants()
	if len(grants) != 2 || grants[0] != capability.FS || grants[1] != capability.Process {
		t.Errorf("unexpected grants %v", grants)
	}
}

func TestSessionCloseDropsState(t *testing.T) {
	s := New(context.Background(), "")
	s.Authenticate()
	s.Grant(capability.FS)
	s.Begin("cmd-1")

	s.Close()

	if s.Has(capability.FS) || len(s.Grants()) != 0 {
		t.Error("expected grants dropped on close")
	}
	if s.InFlight() != 0 {
		t.Error("expected in-flight bookkeeping dropped on close")
	}
	if s.Begin("cmd-2") {
		t.Error("closed session must not accept new commands")
	}
}

func TestSessionInFlightIDs(t *testing.T) {
	s := New(context.Background(), "")
	s.Authenticate()

	if !s.Begin("a") {
		t.Fatal("expected first begin to succeed")
	}
	if s.Begin("a") {
		t.Error("expected duplicate in-flight id to be refused")
	}
	s.End("a")
	if !s.Begin("a") {
		t.Error("expected id to be reusable after End")
	}
}

func TestSessionConcurrentGrants(t *testing.T) {
	s := New(context.Background(), "")
	s.Authenticate()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, n := range capability.All {
				s.Grant(n)
				s.Has(n)
			}
		}()
	}
	wg.Wait()

	if len(s.Grants()) != len(capability.All) {
		t.Errorf("expected %d grants, got %d", len(capability.All), len(s.Grants()))
	}
}
