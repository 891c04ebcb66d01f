// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command agent is the local agent: a loopback-only HTTP and WebSocket
// endpoint that lets pages from trusted origins run capability-gated
// commands on this machine after pairing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyper-ai-inc/local-agent/internal/auth"
	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/commands"
	"github.com/hyper-ai-inc/local-agent/internal/config"
	"github.com/hyper-ai-inc/local-agent/internal/fs"
	"github.com/hyper-ai-inc/local-agent/internal/logging"
	"github.com/hyper-ai-inc/local-agent/internal/pairing"
	"github.com/hyper-ai-inc/local-agent/internal/sysinfo"
	"github.com/hyper-ai-inc/local-agent/internal/toolchain"
	"github.com/hyper-ai-inc/local-agent/internal/ws"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := config.NewFlags("agent")
	flags.FlagSet().SetOutput(stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.Version {
		fmt.Fprintln(stdout, version)
		return nil
	}

	cfg, err := config.Load(flags, os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, stderr)
	if err != nil {
		return err
	}

	authority, err := pairing.New()
	if err != nil {
		return err
	}

	var prompter capability.Prompter
	if cfg.CapabilityPolicy == "prompt" {
		prompter = capability.NewTerminalPrompter(stdin, stderr)
	}
	server, err := NewServer(cfg, authority, prompter, logger)
	if err != nil {
		return err
	}

	listeners, err := listenLoopback(cfg.Port, logger)
	if err != nil {
		return err
	}
	port := listeners[0].Addr().(*net.TCPAddr).Port

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serveErr := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) {
			logger.Info("listening", "addr", ln.Addr().String())
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}(ln)
	}

	pairing.Banner(stdout, authority.Code(), fmt.Sprintf("http://127.0.0.1:%d/health", port))

	select {
	case sig := <-shutdown:
		logger.Info("shutting down", "signal", sig.String())
	case err = <-serveErr:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting, then close live control channels. http.Server.Shutdown
	// does not track hijacked connections.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("websocket shutdown", "error", err)
	}

	logger.Info("agent stopped")
	return err
}

// listenLoopback binds 127.0.0.1 and, when available, ::1 on the same port.
// Port 0 picks a free port on the first listener and reuses it for the second.
func listenLoopback(port int, logger *slog.Logger) ([]net.Listener, error) {
	v4, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	listeners := []net.Listener{v4}

	port = v4.Addr().(*net.TCPAddr).Port
	v6, err := net.Listen("tcp", net.JoinHostPort("::1", strconv.Itoa(port)))
	if err != nil {
		logger.Warn("ipv6 loopback unavailable", "error", err)
	} else {
		listeners = append(listeners, v6)
	}
	return listeners, nil
}

// Server holds the HTTP surface of the agent.
type Server struct {
	cfg      *config.Config
	pairing  *pairing.Authority
	origins  *auth.OriginValidator
	allowed  []capability.Name
	wsRouter *ws.Router
	log      *slog.Logger
}

// NewServer wires the agent components from a validated config. prompter is
// only used by the "prompt" capability policy.
func NewServer(cfg *config.Config, authority *pairing.Authority, prompter capability.Prompter, logger *slog.Logger) (*Server, error) {
	origins, err := auth.NewOriginValidator(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenVerifier(cfg.TokenPolicy, cfg.TokenSecret)
	if err != nil {
		return nil, err
	}
	allowed, err := capability.ParseList(cfg.AutoGrant)
	if err != nil {
		return nil, err
	}
	policy, err := capability.NewPolicy(cfg.CapabilityPolicy, allowed, prompter, cfg.PromptTimeout)
	if err != nil {
		return nil, err
	}

	log := logging.Component(logger, "server")
	for _, n := range allowed {
		if n == capability.Process {
			log.Warn("process capability enabled: granted sessions may run any executable as this user")
		}
	}

	dispatcher := commands.NewDispatcher(logger)
	commands.RegisterBuiltins(dispatcher, commands.Deps{
		Workspace: fs.NewWorkspace(cfg.Workspace),
		Locator:   toolchain.NewLocator(cfg.EditorPath, cfg.BuildToolPath),
		System:    sysinfo.NewCollector(logger),
		Log:       logger,
	})

	router := ws.NewRouter(ws.Options{
		Origins:          origins,
		Tokens:           tokens,
		Pairing:          authority,
		Broker:           capability.NewBroker(policy, logger),
		Dispatcher:       dispatcher,
		Version:          version,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Log:              logger,
	})

	log.Info("agent configured",
		"origins", origins.Origins(),
		"token_policy", cfg.TokenPolicy,
		"capability_policy", cfg.CapabilityPolicy,
		"capabilities", capability.Strings(allowed),
		"commands", dispatcher.Names(),
	)

	return &Server{
		cfg:      cfg,
		pairing:  authority,
		origins:  origins,
		allowed:  allowed,
		wsRouter: router,
		log:      log,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /pair-code", s.handlePairCode)

	// Control channel - origin checked by the upgrader, then hello.
	mux.HandleFunc("GET /ws", s.wsRouter.HandleWebSocket)

	return auth.NewCORS(s.origins).Wrap(mux)
}

// Shutdown closes every control channel.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.wsRouter.Shutdown(ctx)
}

type healthResponse struct {
	OK           bool     `json:"ok"`
	Paired       bool     `json:"paired"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:           true,
		Paired:       s.pairing.Paired(),
		Port:         s.cfg.Port,
		Capabilities: capability.Strings(s.allowed),
		Version:      version,
	})
}

func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
