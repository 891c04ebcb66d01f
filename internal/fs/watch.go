// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

var errWatcherClosed = errors.New("watcher closed")

// ChangeEvent is the first change observed by WaitForChange.
type ChangeEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// WaitForChange blocks until path (a file, or any immediate child of a
// directory) is created, written, removed or renamed, or ctx ends. Chmod-only
// events are ignored.
func (w *Workspace) WaitForChange(ctx context.Context, path string) (ChangeEvent, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return ChangeEvent{}, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ChangeEvent{}, mapErr(err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return ChangeEvent{}, err
	}
	defer fsw.Close()

	// Files are watched through their directory so that editors which
	// replace a file by rename still produce an event.
	target := resolved
	dir := resolved
	if !info.IsDir() {
		dir = filepath.Dir(resolved)
	}
	if err := fsw.Add(dir); err != nil {
		return ChangeEvent{}, mapErr(err)
	}

	for {
		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case err, ok := <-fsw.Errors:
			if !ok {
				return ChangeEvent{}, errWatcherClosed
			}
			return ChangeEvent{}, err
		case ev, ok := <-fsw.Events:
			if !ok {
				return ChangeEvent{}, errWatcherClosed
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if !info.IsDir() && filepath.Clean(ev.Name) != target {
				continue
			}
			return ChangeEvent{Path: ev.Name, Op: opName(ev.Op)}, nil
		}
	}
}

func opName(op fsnotify.Op) string {
	var parts []string
	if op.Has(fsnotify.Create) {
		parts = append(parts, "create")
	}
	if op.Has(fsnotify.Write) {
		parts = append(parts, "write")
	}
	if op.Has(fsnotify.Remove) {
		parts = append(parts, "remove")
	}
	if op.Has(fsnotify.Rename) {
		parts = append(parts, "rename")
	}
	if len(parts) == 0 {
		return "chmod"
	}
	return strings.Join(parts, "|")
}
