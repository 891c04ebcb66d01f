// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTokenMissing   = errors.New("token missing")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenMismatch  = errors.New("token mismatch")
)

const maxTokenLen = 8192

// TokenVerifier checks the auth token a browser presents in its hello.
// Validity of the token beyond what the agent can check locally belongs to
// the web application that issued it.
type TokenVerifier interface {
	Verify(token string) error
}

// FormatVerifier accepts any token that is well formed: non-empty, bounded
// length, printable ASCII without whitespace.
type FormatVerifier struct{}

func (FormatVerifier) Verify(token string) error {
	return checkFormat(token)
}

// SharedSecretVerifier accepts only a token equal to a secret configured at
// startup. An empty secret rejects everything (fail closed).
type SharedSecretVerifier struct {
	secret string
}

// NewSharedSecretVerifier creates a verifier for the given secret.
func NewSharedSecretVerifier(secret string) *SharedSecretVerifier {
	return &SharedSecretVerifier{secret: secret}
}

func (v *SharedSecretVerifier) Verify(token string) error {
	if v.secret == "" {
		return ErrTokenMismatch
	}
	if err := checkFormat(token); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.secret)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// NewTokenVerifier builds the verifier named by policy ("format" or
// "shared_secret").
func NewTokenVerifier(policy, secret string) (TokenVerifier, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "format":
		return FormatVerifier{}, nil
	case "shared_secret":
		if secret == "" {
			return nil, errors.New("shared_secret token policy requires a secret")
		}
		return NewSharedSecretVerifier(secret), nil
	default:
		return nil, fmt.Errorf("unknown token policy %q", policy)
	}
}

func checkFormat(token string) error {
	if token == "" {
		return ErrTokenMissing
	}
	if len(token) > maxTokenLen {
		return ErrTokenMalformed
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c <= ' ' || c > '~' {
			return ErrTokenMalformed
		}
	}
	return nil
}

// Redact renders a secret for logs: length plus the first and last few
// characters.
func Redact(s string) string {
	if len(s) <= 8 {
		return fmt.Sprintf("len=%d", len(s))
	}
	return fmt.Sprintf("len=%d first4=%q last4=%q", len(s), safePrefix(s, 4), safeSuffix(s, 4))
}

func safePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func safeSuffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
