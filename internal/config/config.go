// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads the agent configuration.
//
// Sources, lowest precedence first: built-in defaults, a YAML file, AGENT_*
// environment variables, command-line flags. The resulting Config is
// validated before use and fails closed: with no allowed origins configured
// the agent refuses to start rather than accept every origin.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hyper-ai-inc/local-agent/internal/auth"
	"github.com/hyper-ai-inc/local-agent/internal/capability"
	"github.com/hyper-ai-inc/local-agent/internal/logging"
)

const (
	DefaultPort             = 17820
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPromptTimeout    = 60 * time.Second
)

// Config is the agent configuration.
type Config struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TokenPolicy is "format" (any well-formed token) or "shared_secret".
	TokenPolicy string `yaml:"token_policy"`
	TokenSecret string `yaml:"token_secret"`

	// CapabilityPolicy is "auto" or "prompt".
	CapabilityPolicy string        `yaml:"capability_policy"`
	AutoGrant        []string      `yaml:"auto_grant"`
	PromptTimeout    time.Duration `yaml:"prompt_timeout"`

	EditorPath    string `yaml:"editor_path"`
	BuildToolPath string `yaml:"build_tool_path"`
	// Workspace is the directory relative command paths resolve against.
	// Empty means the agent's working directory.
	Workspace string `yaml:"workspace"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		TokenPolicy:      "format",
		CapabilityPolicy: "auto",
		AutoGrant:        capability.Strings(capability.All),
		PromptTimeout:    DefaultPromptTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		LogFormat:        "text",
		LogLevel:         "info",
	}
}

// DefaultPath returns ~/.config/local-agent/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "local-agent.yaml"
	}
	return filepath.Join(dir, "local-agent", "config.yaml")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("allowed_origins is empty: refusing to start without a trusted origin")
	}
	if _, err := auth.NewOriginValidator(c.AllowedOrigins); err != nil {
		return fmt.Errorf("invalid allowed_origins: %w", err)
	}
	if _, err := auth.NewTokenVerifier(c.TokenPolicy, c.TokenSecret); err != nil {
		return fmt.Errorf("invalid token_policy: %w", err)
	}
	switch c.CapabilityPolicy {
	case "auto", "prompt":
	default:
		return fmt.Errorf("unknown capability_policy %q", c.CapabilityPolicy)
	}
	if _, err := capability.ParseList(c.AutoGrant); err != nil {
		return fmt.Errorf("invalid auto_grant: %w", err)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if c.PromptTimeout <= 0 {
		return errors.New("prompt_timeout must be positive")
	}
	if _, err := logging.New(c.LogFormat, c.LogLevel, io.Discard); err != nil {
		return err
	}
	return nil
}

// LoadFile overlays a YAML file onto c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays AGENT_* environment variables onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	if v, ok := lookup("AGENT_PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AGENT_PORT: %w", err)
		}
		c.Port = port
	}
	list("AGENT_ALLOWED_ORIGINS", &c.AllowedOrigins)
	str("AGENT_TOKEN_POLICY", &c.TokenPolicy)
	str("AGENT_TOKEN_SECRET", &c.TokenSecret)
	str("AGENT_CAPABILITY_POLICY", &c.CapabilityPolicy)
	list("AGENT_AUTO_GRANT", &c.AutoGrant)
	str("AGENT_EDITOR_PATH", &c.EditorPath)
	str("AGENT_BUILD_TOOL_PATH", &c.BuildToolPath)
	str("AGENT_WORKSPACE", &c.Workspace)
	str("AGENT_LOG_FORMAT", &c.LogFormat)
	str("AGENT_LOG_LEVEL", &c.LogLevel)
	if err := dur("AGENT_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout); err != nil {
		return err
	}
	return dur("AGENT_PROMPT_TIMEOUT", &c.PromptTimeout)
}

// Flags holds command-line values before they are merged into a Config.
type Flags struct {
	set *pflag.FlagSet

	ConfigPath string
	Version    bool

	port             int
	allowedOrigins   []string
	tokenPolicy      string
	capabilityPolicy string
	autoGrant        []string
	editorPath       string
	buildToolPath    string
	workspace        string
	handshakeTimeout time.Duration
	logFormat        string
	logLevel         string
}

// NewFlags registers the agent flags on a new flag set.
func NewFlags(name string) *Flags {
	f := &Flags{set: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	s := f.set
	s.StringVarP(&f.ConfigPath, "config", "c", "", "path to YAML config (default "+DefaultPath()+")")
	s.BoolVar(&f.Version, "version", false, "print version and exit")
	s.IntVarP(&f.port, "port", "p", DefaultPort, "loopback port to listen on")
	s.StringSliceVar(&f.allowedOrigins, "allowed-origin", nil, "trusted web origin (repeatable, scheme://host[:port])")
	s.StringVar(&f.tokenPolicy, "token-policy", "format", "token check: format or shared_secret")
	s.StringVar(&f.capabilityPolicy, "capability-policy", "auto", "capability grants: auto or prompt")
	s.StringSliceVar(&f.autoGrant, "auto-grant", nil, "capabilities the policy may grant (default all)")
	s.StringVar(&f.editorPath, "editor-path", "", "editor executable (default: search PATH)")
	s.StringVar(&f.buildToolPath, "build-tool-path", "", "build tool executable (default: search PATH)")
	s.StringVar(&f.workspace, "workspace", "", "base directory for relative paths (default: working directory)")
	s.DurationVar(&f.handshakeTimeout, "handshake-timeout", DefaultHandshakeTimeout, "time allowed for the hello frame")
	s.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")
	s.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return f
}

// FlagSet exposes the underlying flag set for usage output.
func (f *Flags) FlagSet() *pflag.FlagSet { return f.set }

// Parse parses command-line arguments.
func (f *Flags) Parse(args []string) error {
	return f.set.Parse(args)
}

// Apply overlays explicitly set flags onto c.
func (f *Flags) Apply(c *Config) {
	changed := f.set.Changed
	if changed("port") {
		c.Port = f.port
	}
	if changed("allowed-origin") {
		c.AllowedOrigins = f.allowedOrigins
	}
	if changed("token-policy") {
		c.TokenPolicy = f.tokenPolicy
	}
	if changed("capability-policy") {
		c.CapabilityPolicy = f.capabilityPolicy
	}
	if changed("auto-grant") {
		c.AutoGrant = f.autoGrant
	}
	if changed("editor-path") {
		c.EditorPath = f.editorPath
	}
	if changed("build-tool-path") {
		c.BuildToolPath = f.buildToolPath
	}
	if changed("workspace") {
		c.Workspace = f.workspace
	}
	if changed("handshake-timeout") {
		c.HandshakeTimeout = f.handshakeTimeout
	}
	if changed("log-format") {
		c.LogFormat = f.logFormat
	}
	if changed("log-level") {
		c.LogLevel = f.logLevel
	}
}

// Load builds a validated Config from defaults, file, environment and the
// already parsed flags. An explicitly named config file must exist; the
// default path is optional.
func Load(f *Flags, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path, explicit := f.ConfigPath, f.ConfigPath != ""
	if !explicit {
		if v, ok := lookup("AGENT_CONFIG"); ok && v != "" {
			path, explicit = v, true
		} else {
			path = DefaultPath()
		}
	}
	if err := cfg.LoadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	f.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
