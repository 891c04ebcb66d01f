// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/fs"
	"github.com/hyper-ai-inc/local-agent/internal/proc"
	"github.com/hyper-ai-inc/local-agent/internal/protocol"
	"github.com/hyper-ai-inc/local-agent/internal/sysinfo"
	"github.com/hyper-ai-inc/local-agent/internal/toolchain"
)

const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 110 * time.Second
	defaultBuildConfig  = "Development"
)

// Deps are the side-effect providers behind the built-in commands.
type Deps struct {
	Workspace *fs.Workspace
	Locator   *toolchain.Locator
	System    *sysinfo.Collector
	Log       *slog.Logger
}

// RegisterBuiltins registers every built-in command on d.
func RegisterBuiltins(d *Dispatcher, deps Deps) {
	if deps.Workspace == nil {
		deps.Workspace = fs.NewWorkspace("")
	}
	if deps.Locator == nil {
		deps.Locator = toolchain.NewLocator("", "")
	}
	if deps.Log == nil {
		deps.Log = d.log
	}
	if deps.System == nil {
		deps.System = sysinfo.NewCollector(deps.Log)
	}
	b := &builtins{Deps: deps}

	d.Register("editor.open", capability.Editor, Typed(b.editorOpen))
	d.Register("build.plugin", capability.Build, Typed(b.buildPlugin))
	d.Register("fs.read", capability.FS, Typed(b.fsRead))
	d.Register("fs.write", capability.FS, Typed(b.fsWrite))
	d.Register("fs.list", capability.FS, Typed(b.fsList))
	d.Register("fs.stat", capability.FS, Typed(b.fsStat))
	d.Register("fs.watch", capability.FS, Typed(b.fsWatch))
	d.Register("process.exec", capability.Process, Typed(b.processExec))
	d.Register("system.info", capability.System, Typed(b.systemInfo))
}

type builtins struct {
	Deps
}

// PathArgs is the argument of commands that take a single path.
type PathArgs struct {
	Path string `json:"path"`
}

func (a *PathArgs) Validate() error {
	if a.Path == "" {
		return errors.New("path required")
	}
	return nil
}

type SuccessResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Output  string `json:"output,omitempty"`
}

func (b *builtins) editorOpen(ctx context.Context, args PathArgs) (SuccessResult, error) {
	descriptor, err := b.Workspace.Resolve(args.Path)
	if err != nil {
		return SuccessResult{}, Fail(protocol.ErrInvalidArgs, err)
	}
	info, err := os.Stat(descriptor)
	if err != nil || !info.Mode().IsRegular() {
		return SuccessResult{}, Fail(protocol.ErrNotFound, errors.New("project descriptor not found"))
	}

	editor, err := b.Locator.Editor()
	if err != nil {
		return SuccessResult{}, Fail(protocol.ErrNotFound, err)
	}

	pid, err := proc.StartDetached(proc.Spec{
		Name: editor,
		Args: []string{descriptor},
		Dir:  filepath.Dir(descriptor),
	})
	if err != nil {
		return SuccessResult{}, Fail(ReasonSpawnFailed, err)
	}

	b.Log.Info("editor started", "component", "editor", "pid", pid, "project", descriptor)
	return SuccessResult{
		Success: true,
		Message: fmt.Sprintf("opened %s", filepath.Base(descriptor)),
	}, nil
}

// BuildArgs is the argument of build.plugin.
type BuildArgs struct {
	PluginPath    string `json:"pluginPath"`
	Configuration string `json:"configuration"`
}

func (a *BuildArgs) Validate() error {
	if a.PluginPath == "" {
		return errors.New("pluginPath required")
	}
	return nil
}

func (b *builtins) buildPlugin(ctx context.Context, args BuildArgs) (SuccessResult, error) {
	plugin, err := b.Workspace.Resolve(args.PluginPath)
	if err != nil {
		return SuccessResult{}, Fail(protocol.ErrInvalidArgs, err)
	}
	if _, err := os.Stat(plugin); err != nil {
		return SuccessResult{}, Fail(protocol.ErrNotFound, errors.New("plugin path not found"))
	}

	tool, err := b.Locator.BuildTool()
	if err != nil {
		return SuccessResult{}, Fail(protocol.ErrNotFound, err)
	}

	config := args.Configuration
	if config == "" {
		config = defaultBuildConfig
	}
	pkgDir := filepath.Join(filepath.Dir(plugin), "Packaged", config)

	b.Log.Info("build started", "component", "build", "plugin", plugin, "configuration", config)
	start := time.Now()

	out, code, err := proc.RunCombined(ctx, proc.Spec{
		Name: tool,
		Args: []string{
			"BuildPlugin",
			"-Plugin=" + plugin,
			"-Package=" + pkgDir,
			"-Configuration=" + config,
		},
		Dir: filepath.Dir(plugin),
	})
	if err != nil {
		if errors.Is(err, proc.ErrSpawn) {
			return SuccessResult{}, Fail(ReasonSpawnFailed, err)
		}
		return SuccessResult{}, err
	}

	b.Log.Info("build finished", "component", "build", "plugin", plugin, "exit", code, "duration", time.Since(start))
	if code != 0 {
		return SuccessResult{}, &Error{Reason: ReasonBuildFailed, Detail: string(out)}
	}
	return SuccessResult{Success: true, Output: string(out)}, nil
}

type ReadResult struct {
	Content string `json:"content"`
}

func (b *builtins) fsRead(ctx context.Context, args PathArgs) (ReadResult, error) {
	data, err := b.Workspace.Read(args.Path)
	if err != nil {
		return ReadResult{}, fsError(err)
	}
	return ReadResult{Content: string(data)}, nil
}

// WriteArgs is the argument of fs.write.
type WriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (a *WriteArgs) Validate() error {
	if a.Path == "" {
		return errors.New("path required")
	}
	return nil
}

func (b *builtins) fsWrite(ctx context.Context, args WriteArgs) (SuccessResult, error) {
	if err := b.Workspace.Write(args.Path, []byte(args.Content)); err != nil {
		return SuccessResult{}, fsError(err)
	}
	return SuccessResult{Success: true}, nil
}

func (b *builtins) fsList(ctx context.Context, args PathArgs) ([]fs.Entry, error) {
	entries, err := b.Workspace.List(args.Path)
	if err != nil {
		return nil, fsError(err)
	}
	return entries, nil
}

func (b *builtins) fsStat(ctx context.Context, args PathArgs) (*fs.FileInfo, error) {
	info, err := b.Workspace.Stat(args.Path)
	if err != nil {
		return nil, fsError(err)
	}
	return info, nil
}

// WatchArgs is the argument of fs.watch.
type WatchArgs struct {
	Path      string `json:"path"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (a *WatchArgs) Validate() error {
	if a.Path == "" {
		return errors.New("path required")
	}
	if a.TimeoutMs < 0 {
		return errors.New("timeoutMs must not be negative")
	}
	return nil
}

type WatchResult struct {
	Event    *fs.ChangeEvent `json:"event,omitempty"`
	TimedOut bool            `json:"timedOut,omitempty"`
}

func (b *builtins) fsWatch(ctx context.Context, args WatchArgs) (WatchResult, error) {
	timeout := defaultWatchTimeout
	if args.TimeoutMs > 0 {
		timeout = min(time.Duration(args.TimeoutMs)*time.Millisecond, maxWatchTimeout)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := b.Workspace.WaitForChange(wctx, args.Path)
	switch {
	case err == nil:
		return WatchResult{Event: &ev}, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return WatchResult{TimedOut: true}, nil
	default:
		return WatchResult{}, fsError(err)
	}
}

// ExecArgs is the argument of process.exec.
type ExecArgs struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	TTY     bool              `json:"tty,omitempty"`
}

func (a *ExecArgs) Validate() error {
	if a.Command == "" {
		return errors.New("command required")
	}
	return nil
}

type ExecResult struct {
	Output string `json:"output"`
	Error  string `json:"error"`
	Code   int    `json:"code"`
}

func (b *builtins) processExec(ctx context.Context, args ExecArgs) (ExecResult, error) {
	dir := b.Workspace.Base()
	if args.Cwd != "" {
		resolved, err := b.Workspace.Resolve(args.Cwd)
		if err != nil {
			return ExecResult{}, Fail(protocol.ErrInvalidArgs, err)
		}
		dir = resolved
	}

	res, err := proc.Run(ctx, proc.Spec{
		Name: args.Command,
		Args: args.Args,
		Dir:  dir,
		Env:  args.Env,
		TTY:  args.TTY,
	})
	if err != nil {
		if errors.Is(err, proc.ErrSpawn) {
			return ExecResult{}, Fail(ReasonSpawnFailed, err)
		}
		return ExecResult{}, err
	}
	return ExecResult{
		Output: string(res.Stdout),
		Error:  string(res.Stderr),
		Code:   res.ExitCode,
	}, nil
}

type systemArgs struct{}

func (b *builtins) systemInfo(ctx context.Context, _ systemArgs) (sysinfo.Snapshot, error) {
	return b.System.Snapshot(ctx), nil
}

func fsError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotFound):
		return Fail(protocol.ErrNotFound, err)
	case errors.Is(err, fs.ErrEmptyPath):
		return Fail(protocol.ErrInvalidArgs, err)
	case errors.Is(err, fs.ErrNotDir):
		return Fail("not_a_directory", err)
	case errors.Is(err, fs.ErrIsDir):
		return Fail("is_a_directory", err)
	default:
		return err
	}
}
