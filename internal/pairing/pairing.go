// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pairing owns the one-time pairing code that establishes first trust
// between a browser origin and this agent.
//
// The code is generated once per process and shown to the operator out of
// band. The first hello that presents it flips the process into the paired
// state; later connections skip the code check. Nothing is written to disk,
// so a restart requires pairing again.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
)

const (
	codeMin = 100000
	codeMax = 999999
)

// State is a snapshot of the pairing state.
type State struct {
	Code   string `json:"code"`
	Paired bool   `json:"paired"`
}

// Authority holds the pairing code and the paired flag.
type Authority struct {
	code string

	mu     sync.Mutex
	paired bool
}

// New generates a fresh code drawn uniformly from 100000-999999.
func New() (*Authority, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	return &Authority{code: fmt.Sprintf("%06d", n.Int64()+codeMin)}, nil
}

// NewWithCode creates an authority with a fixed code. Used by tests and
// scripted setups.
func NewWithCode(code string) *Authority {
	return &Authority{code: code}
}

// Code returns the process-lifetime pairing code.
func (a *Authority) Code() string {
	return a.code
}

// Paired reports whether any connection has completed pairing.
func (a *Authority) Paired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paired
}

// State returns the current code and paired flag.
func (a *Authority) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Code: a.code, Paired: a.paired}
}

// CheckAndConsume validates a supplied code. Once paired, the code is no
// longer checked and every call returns true. The check and the flag update
// happen under one lock so two simultaneous handshakes cannot both observe
// the unpaired state and race on the code.
func (a *Authority) CheckAndConsume(supplied string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.paired {
		return true
	}
	if len(supplied) != len(a.code) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(a.code)) != 1 {
		return false
	}
	a.paired = true
	return true
}
