// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package proc runs the child processes behind process.exec, build.plugin and
// editor.open.
//
// Every child is started in its own process group. Cancelling the context
// passed to Run or RunCombined kills the whole group, so a build that forks
// compilers does not outlive the connection that asked for it. Detached
// children are not tied to any context.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrSpawn is returned when the child could not be started at all.
var ErrSpawn = errors.New("spawn failed")

// waitDelay bounds how long Wait keeps reading output after the child exits
// or is killed.
const waitDelay = 2 * time.Second

// Spec describes a child process.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env entries are added on top of the agent's environment.
	Env map[string]string
	// TTY runs the child on a pseudo-terminal. Output is merged.
	TTY  bool
	Cols uint16
	Rows uint16
}

// Result is the outcome of a child that ran to completion.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes spec and waits for it. A non-zero exit is reported through
// Result.ExitCode, not as an error. The error is non-nil only when the child
// could not start (wrapping ErrSpawn) or ctx ended first.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.TTY {
		out, code, err := runTTY(ctx, spec)
		return Result{Stdout: out, ExitCode: code}, err
	}

	cmd := command(ctx, spec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code, err := run(ctx, cmd)
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, err
}

// RunCombined executes spec with stdout and stderr interleaved into one
// buffer, in the order the child wrote them.
func RunCombined(ctx context.Context, spec Spec) ([]byte, int, error) {
	if spec.TTY {
		return runTTY(ctx, spec)
	}

	cmd := command(ctx, spec)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	code, err := run(ctx, cmd)
	return out.Bytes(), code, err
}

// StartDetached starts spec in a new session and returns without waiting.
// The child keeps running after the agent exits.
func StartDetached(spec Spec) (int, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = environ(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never lingers as a zombie.
	go cmd.Wait()
	return pid, nil
}

func command(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = environ(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

func run(ctx context.Context, cmd *exec.Cmd) (int, error) {
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return exitCode(ctx, cmd.Wait())
}

func runTTY(ctx context.Context, spec Spec) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(environ(spec.Env), "TERM=xterm-256color")
	// pty.Start puts the child in a new session, which also makes it the
	// leader of its own process group.
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	var out bytes.Buffer
	copied := make(chan struct{})
	go func() {
		// Reading the master returns EIO once the child side closes.
		io.Copy(&out, ptmx)
		close(copied)
	}()

	waitErr := cmd.Wait()
	select {
	case <-copied:
	case <-time.After(200 * time.Millisecond):
		// A grandchild still holds the terminal open.
	}
	ptmx.Close()
	<-copied

	code, err := exitCode(ctx, waitErr)
	return out.Bytes(), code, err
}

func exitCode(ctx context.Context, waitErr error) (int, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		return 0, nil
	}
	return -1, waitErr
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return cmd.Process.Kill()
	}
	return nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
