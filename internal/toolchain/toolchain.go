// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package toolchain finds the external editor and build tool on this machine.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotFound means no usable executable was found.
var ErrNotFound = errors.New("executable not found")

var (
	DefaultEditorCandidates    = []string{"UnrealEditor", "UE5Editor", "UE4Editor"}
	DefaultBuildToolCandidates = []string{"RunUAT.sh", "RunUAT"}
)

// Locator resolves executables from an explicit path or, failing that, from
// a list of names searched on PATH.
type Locator struct {
	EditorPath          string
	BuildToolPath       string
	EditorCandidates    []string
	BuildToolCandidates []string

	lookPath func(string) (string, error)
}

// NewLocator returns a locator with the default candidate names. Empty paths
// fall back to a PATH search.
func NewLocator(editorPath, buildToolPath string) *Locator {
	return &Locator{
		EditorPath:          editorPath,
		BuildToolPath:       buildToolPath,
		EditorCandidates:    DefaultEditorCandidates,
		BuildToolCandidates: DefaultBuildToolCandidates,
		lookPath:            exec.LookPath,
	}
}

// Editor returns the editor executable.
func (l *Locator) Editor() (string, error) {
	path, err := l.locate(l.EditorPath, l.EditorCandidates)
	if err != nil {
		return "", fmt.Errorf("editor: %w", err)
	}
	return path, nil
}

// BuildTool returns the build tool executable.
func (l *Locator) BuildTool() (string, error) {
	path, err := l.locate(l.BuildToolPath, l.BuildToolCandidates)
	if err != nil {
		return "", fmt.Errorf("build tool: %w", err)
	}
	return path, nil
}

func (l *Locator) locate(explicit string, candidates []string) (string, error) {
	if explicit != "" {
		if !isExecutable(explicit) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return explicit, nil
		}
		return abs, nil
	}

	lookPath := l.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range candidates {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
