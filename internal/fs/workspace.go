// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package fs implements the filesystem side effects behind the fs.* commands.
//
// Paths are taken as given: absolute paths are used directly, relative paths
// resolve against the workspace base directory. There is no jail. An
// authenticated session holding the fs capability acts with the full rights
// of the user running the agent.
package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var (
	ErrNotFound  = errors.New("file or directory not found")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
	ErrEmptyPath = errors.New("path required")
)

// Entry is one immediate child of a listed directory.
type Entry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	IsFile      bool   `json:"isFile"`
}

// FileInfo contains metadata about a file or directory
type FileInfo struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	IsDirectory bool      `json:"isDirectory"`
	IsFile      bool      `json:"isFile"`
	ModTime     time.Time `json:"modTime"`
	Mode        string    `json:"mode"`
}

// Workspace resolves command paths against a base directory.
type Workspace struct {
	base string
}

// NewWorkspace creates a workspace for the given base directory. An empty
// base uses the process working directory.
func NewWorkspace(base string) *Workspace {
	if base == "" {
		base, _ = os.Getwd()
	}
	// Resolve symlinks in base so reported paths are stable
	// (e.g., on macOS /var -> /private/var)
	absBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		absBase, _ = filepath.Abs(base)
	}
	return &Workspace{base: absBase}
}

// Base returns the directory relative paths resolve against.
func (w *Workspace) Base() string {
	return w.base
}

// Resolve turns a command path into an absolute, cleaned path.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Join(w.base, path), nil
}

// List returns the immediate entries of a directory.
func (w *Workspace) List(path string) ([]Entry, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, mapErr(err)
	}

	result := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		isDir := entry.IsDir()
		isFile := entry.Type().IsRegular()
		// Follow symlinks so a link to a directory lists as a directory.
		if entry.Type()&fs.ModeSymlink != 0 {
			if info, err := os.Stat(filepath.Join(resolved, entry.Name())); err == nil {
				isDir = info.IsDir()
				isFile = info.Mode().IsRegular()
			}
		}
		result = append(result, Entry{
			Name:        entry.Name(),
			IsDirectory: isDir,
			IsFile:      isFile,
		})
	}

	return result, nil
}

// Read returns the contents of a file
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, mapErr(err)
	}

	return data, nil
}

// Write writes content to a file, creating parent directories as needed
func (w *Workspace) Write(path string, content []byte) error {
	resolved, err := w.Resolve(path)
	if err != nil {
		return err
	}

	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return ErrIsDir
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return mapErr(err)
	}

	return mapErr(os.WriteFile(resolved, content, 0644))
}

// Stat returns information about a file or directory
func (w *Workspace) Stat(path string) (*FileInfo, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapErr(err)
	}

	return &FileInfo{
		Name:        info.Name(),
		Path:        resolved,
		Size:        info.Size(),
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
		ModTime:     info.ModTime(),
		Mode:        info.Mode().String(),
	}, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, syscall.ENOTDIR):
		return ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		return ErrIsDir
	default:
		return err
	}
}
