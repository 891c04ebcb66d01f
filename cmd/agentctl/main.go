// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command agentctl drives a local agent from the shell, the same way a
// browser page does: detect, pair, request capabilities, send commands.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hyper-ai-inc/local-agent/internal/client"
	"github.com/hyper-ai-inc/local-agent/internal/config"
	"github.com/hyper-ai-inc/local-agent/internal/fs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}

// exitError carries a remote process exit status to os.Exit.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type command struct {
	name    string
	usage   string
	summary string
	flags   func(*pflag.FlagSet)
	run     func(a *app, ctx context.Context, args []string) error
}

var commandList = []*command{
	{name: "health", summary: "show agent health", run: (*app).health},
	{name: "pair-code", summary: "print the agent's pairing code", run: (*app).pairCode},
	{name: "ls", usage: "[path]", summary: "list a directory", run: (*app).list},
	{name: "cat", usage: "<path>", summary: "print a file", run: (*app).cat},
	{name: "write", usage: "<path>", summary: "write stdin to a file", run: (*app).write},
	{
		name:    "exec",
		usage:   "[--cwd dir] [--tty] -- <command> [args...]",
		summary: "run a process and exit with its status",
		flags: func(f *pflag.FlagSet) {
			f.String("cwd", "", "working directory on the agent")
			f.Bool("tty", false, "run under a pseudo-terminal")
			f.StringArray("env", nil, "extra environment KEY=VALUE (repeatable)")
		},
		run: (*app).exec,
	},
	{name: "info", summary: "show host information", run: (*app).info},
}

type app struct {
	url     string
	origin  string
	token   string
	code    string
	timeout time.Duration
	verbose bool

	flags *pflag.FlagSet

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	global := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	global.StringVar(&a.url, "url", envOr("AGENTCTL_URL", fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort)), "agent base URL")
	global.StringVar(&a.origin, "origin", os.Getenv("AGENTCTL_ORIGIN"), "origin to present (must be on the agent's allow-list)")
	global.StringVar(&a.token, "token", envOr("AGENTCTL_TOKEN", "agentctl"), "session token sent in hello")
	global.StringVar(&a.code, "code", os.Getenv("AGENTCTL_PAIR_CODE"), "pairing code (prompted for when needed)")
	global.DurationVar(&a.timeout, "timeout", client.DefaultCommandTimeout, "per-command timeout")
	global.BoolVarP(&a.verbose, "verbose", "v", false, "log protocol events to stderr")
	global.Usage = func() { usage(stderr, global) }

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr, global)
		return errors.New("command required")
	}

	for _, c := range commandList {
		if c.name != rest[0] {
			continue
		}
		a.flags = pflag.NewFlagSet(c.name, pflag.ContinueOnError)
		a.flags.SetOutput(stderr)
		if c.flags != nil {
			c.flags(a.flags)
		}
		if err := a.flags.Parse(rest[1:]); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return fmt.Errorf("%s: %w", c.name, err)
		}
		return c.run(a, ctx, a.flags.Args())
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func usage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: agentctl [flags] <command> [args]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commandList {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.usage, c.summary)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fmt.Fprint(w, global.FlagUsages())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (a *app) logger() *slog.Logger {
	if a.verbose {
		return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}

// connect pairs if needed, says hello and requests caps.
func (a *app) connect(ctx context.Context, caps ...string) (*client.Conn, error) {
	if a.origin == "" {
		return nil, errors.New("--origin (or AGENTCTL_ORIGIN) is required")
	}
	conn, err := client.Connect(ctx, a.url, a.token, a.pairingCode, client.Options{
		Origin:         a.origin,
		CommandTimeout: a.timeout,
		Log:            a.logger(),
	})
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		if err := conn.RequestCapability(ctx, c); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// pairingCode returns --code, or asks on an interactive terminal.
func (a *app) pairingCode(ctx context.Context) (string, error) {
	if a.code != "" {
		return a.code, nil
	}
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("%w: agent is not paired; pass --code", client.ErrPairingCancelled)
	}

	fmt.Fprint(a.stderr, "Pairing code shown by the agent: ")
	line, err := bufio.NewReader(f).ReadString('\n')
	code := strings.TrimSpace(line)
	if code == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return "", client.ErrPairingCancelled
	}
	return code, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) health(ctx context.Context, _ []string) error {
	h, err := client.Detect(ctx, a.url)
	if err != nil {
		return err
	}
	return a.printJSON(h)
}

func (a *app) pairCode(ctx context.Context, _ []string) error {
	p, err := client.FetchPairState(ctx, a.url)
	if err != nil {
		return err
	}
	if p.Paired {
		fmt.Fprintf(a.stdout, "%s (paired)\n", p.Code)
		return nil
	}
	fmt.Fprintln(a.stdout, p.Code)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	conn, err := a.connect(ctx, "fs")
	if err != nil {
		return err
	}
	defer conn.Close()

	var entries []fs.Entry
	if err := conn.Call(ctx, "fs.list", map[string]string{"path": path}, &entries); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		kind := "file"
		switch {
		case e.IsDirectory:
			kind = "dir"
		case !e.IsFile:
			kind = "other"
		}
		fmt.Fprintf(tw, "%s\t%s\n", kind, e.Name)
	}
	return tw.Flush()
}

func (a *app) cat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cat: exactly one path required")
	}
	conn, err := a.connect(ctx, "fs")
	if err != nil {
		return err
	}
	defer conn.Close()

	var res struct {
		Content string `json:"content"`
	}
	if err := conn.Call(ctx, "fs.read", map[string]string{"path": args[0]}, &res); err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, res.Content)
	return err
}

func (a *app) write(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("write: exactly one path required")
	}
	content, err := io.ReadAll(a.stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	conn, err := a.connect(ctx, "fs")
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Call(ctx, "fs.write", map[string]string{"path": args[0], "content": string(content)}, nil)
}

func (a *app) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("exec: command required")
	}
	cwd, _ := a.flags.GetString("cwd")
	tty, _ := a.flags.GetBool("tty")
	envList, _ := a.flags.GetStringArray("env")

	env := make(map[string]string, len(envList))
	for _, kv := range envList {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("exec: bad --env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	conn, err := a.connect(ctx, "process")
	if err != nil {
		return err
	}
	defer conn.Close()

	req := map[string]any{"command": args[0], "args": args[1:], "tty": tty}
	if cwd != "" {
		req["cwd"] = cwd
	}
	if len(env) > 0 {
		req["env"] = env
	}

	var res struct {
		Output string `json:"output"`
		Error  string `json:"error"`
		Code   int    `json:"code"`
	}
	if err := conn.Call(ctx, "process.exec", req, &res); err != nil {
		return err
	}
	io.WriteString(a.stdout, res.Output)
	io.WriteString(a.stderr, res.Error)
	if res.Code != 0 {
		return &exitError{code: res.Code}
	}
	return nil
}

func (a *app) info(ctx context.Context, _ []string) error {
	conn, err := a.connect(ctx, "system")
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := conn.Send(ctx, "system.info", nil)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return a.printJSON(v)
}
