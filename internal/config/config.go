// Package config loads the harness configuration: where the system under
// test lives, how its processes are invoked and how long the harness waits
// for them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tracebed/internal/trace"
)

// DefaultFile is the configuration file looked up when --config is not given.
const DefaultFile = "tracebed.yaml"

// ServerRole is the role of the process every topology ranks first.
const ServerRole = "server"

// ClientRole is the fallback role for client groups without their own entry.
const ClientRole = "client"

// Config is the harness configuration.
type Config struct {
	// Executables maps a role to the command run for it.
	Executables map[string]string `yaml:"executables"`

	// Args maps a role to argument templates rendered per process.
	Args map[string][]string `yaml:"args,omitempty"`

	// Env is added to every process environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Dir is the working directory of launched processes.
	Dir string `yaml:"dir,omitempty"`

	// TraceRouting selects how trace levels reach processes.
	TraceRouting trace.Routing `yaml:"trace_routing,omitempty"`

	// TracePrefix starts every trace line the system under test prints.
	TracePrefix string `yaml:"trace_prefix,omitempty"`

	// Components registers trace components beyond the built-in set.
	Components []trace.Component `yaml:"components,omitempty"`

	Readiness Readiness `yaml:"readiness,omitempty"`
	Timeouts  Timeouts  `yaml:"timeouts,omitempty"`
	Ports     Ports     `yaml:"ports,omitempty"`

	// Parallel bounds the number of independent cases run at once.
	Parallel int `yaml:"parallel,omitempty"`

	path string
}

// Readiness says how the server signals it accepts clients.
// Pattern wins when both are set.
type Readiness struct {
	Pattern string        `yaml:"pattern,omitempty"`
	Delay   time.Duration `yaml:"delay,omitempty"`
}

// Timeouts bound the waits of the harness. Zero Suite means no limit.
type Timeouts struct {
	Ready time.Duration `yaml:"ready,omitempty"`
	Exit  time.Duration `yaml:"exit,omitempty"`
	Case  time.Duration `yaml:"case,omitempty"`
	Suite time.Duration `yaml:"suite,omitempty"`
	Grace time.Duration `yaml:"grace,omitempty"`
}

// Ports describes the block of ports handed to each case.
type Ports struct {
	Base   int    `yaml:"base,omitempty"`
	Stride int    `yaml:"stride,omitempty"`
	Host   string `yaml:"host,omitempty"`
}

// Default values.
const (
	DefaultReadyPattern = "ready"
	DefaultTracePrefix  = "-- "
	DefaultPortBase     = 12010
	DefaultPortStride   = 10
	DefaultHost         = "127.0.0.1"

	DefaultReadyTimeout = 30 * time.Second
	DefaultExitTimeout  = 60 * time.Second
	DefaultCaseTimeout  = 5 * time.Minute
	DefaultGrace        = 5 * time.Second
)

// Default returns a configuration with every default applied and no executables.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a configuration file, rejecting unknown fields.
// Relative executable paths and Dir are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.path = path
	c.resolvePaths(filepath.Dir(path))
	return c, nil
}

// LoadOrDefault loads path, or DefaultFile from the working directory when
// path is empty and that file exists, or returns Default().
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return Load(DefaultFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", DefaultFile, err)
	}
	return Default(), nil
}

// Parse decodes configuration YAML, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.TraceRouting == "" {
		c.TraceRouting = trace.RouteBoth
	}
	if c.TracePrefix == "" {
		c.TracePrefix = DefaultTracePrefix
	}
	if c.Readiness.Pattern == "" && c.Readiness.Delay == 0 {
		c.Readiness.Pattern = DefaultReadyPattern
	}
	if c.Timeouts.Ready == 0 {
		c.Timeouts.Ready = DefaultReadyTimeout
	}
	if c.Timeouts.Exit == 0 {
		c.Timeouts.Exit = DefaultExitTimeout
	}
	if c.Timeouts.Case == 0 {
		c.Timeouts.Case = DefaultCaseTimeout
	}
	if c.Timeouts.Grace == 0 {
		c.Timeouts.Grace = DefaultGrace
	}
	if c.Ports.Base == 0 {
		c.Ports.Base = DefaultPortBase
	}
	if c.Ports.Stride == 0 {
		c.Ports.Stride = DefaultPortStride
	}
	if c.Ports.Host == "" {
		c.Ports.Host = DefaultHost
	}
	if c.Parallel == 0 {
		c.Parallel = 1
	}
}

// Validate checks value ranges. It does not require executables so that
// validate and plan work without a system under test.
func (c *Config) Validate() error {
	var errs []error
	if !c.TraceRouting.Valid() {
		errs = append(errs, fmt.Errorf("trace_routing must be args, env or both, got %q", c.TraceRouting))
	}
	if c.Ports.Base < 1 || c.Ports.Base > 65535 {
		errs = append(errs, fmt.Errorf("ports.base %d is out of range", c.Ports.Base))
	}
	if c.Ports.Stride < 1 {
		errs = append(errs, fmt.Errorf("ports.stride must be positive"))
	}
	if c.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"readiness.delay": c.Readiness.Delay,
		"timeouts.ready":  c.Timeouts.Ready,
		"timeouts.exit":   c.Timeouts.Exit,
		"timeouts.case":   c.Timeouts.Case,
		"timeouts.suite":  c.Timeouts.Suite,
		"timeouts.grace":  c.Timeouts.Grace,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for role, exe := range c.Executables {
		if strings.TrimSpace(exe) == "" {
			errs = append(errs, fmt.Errorf("executables.%s is empty", role))
		}
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, fmt.Errorf("components: %w", err))
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func (c *Config) resolvePaths(base string) {
	for role, exe := range c.Executables {
		if strings.ContainsRune(exe, filepath.Separator) && !filepath.IsAbs(exe) {
			c.Executables[role] = filepath.Join(base, exe)
		}
	}
	if c.Dir != "" && !filepath.IsAbs(c.Dir) {
		c.Dir = filepath.Join(base, c.Dir)
	}
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Registry returns the trace registry holding the built-in and configured components.
func (c *Config) Registry() (*trace.Registry, error) {
	if len(c.Components) == 0 {
		return trace.DefaultRegistry(), nil
	}
	return trace.NewRegistry(c.Components...)
}

// Executable returns the command for role. Roles other than the server
// fall back to the client executable.
func (c *Config) Executable(role string) (string, bool) {
	if exe, ok := c.Executables[role]; ok {
		return exe, true
	}
	if role != ServerRole {
		exe, ok := c.Executables[ClientRole]
		return exe, ok
	}
	return "", false
}

// ArgTemplates returns the argument templates for role, with the same
// fallback as Executable.
func (c *Config) ArgTemplates(role string) []string {
	if args, ok := c.Args[role]; ok {
		return args
	}
	if role != ServerRole {
		return c.Args[ClientRole]
	}
	return nil
}

// EnvList renders Env as sorted KEY=VALUE entries.
func (c *Config) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}
