// Package trace models the per-component trace verbosity handed to the
// processes of a test case.
//
// A Config is an immutable mapping from a registered component name (for
// example "DataStorm.Trace.Session") to a non-negative level, where 0 means
// tracing is off. Component names form a closed set held by a Registry: a
// key the registry does not know is rejected at load time rather than
// silently ignored when the processes run.
//
// Each registered component also knows how it is routed into a process:
// as a property-style argument ("--DataStorm.Trace.Session=3"), as an
// environment variable ("DATASTORM_TRACE_SESSION=3"), or both, and which
// category label the system under test prints on the trace lines it emits
// for that component ("Session").
package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Config is a validated, immutable trace-level mapping.
// The zero value is an empty configuration with every component off.
type Config struct {
	levels   map[string]int
	registry *Registry
}

// Validate checks a raw component-to-level mapping against the registry and
// returns the resulting Config.
//
// Fails with an *Error of code UnknownComponent when a key is not registered
// and InvalidLevel when a value is negative, non-integral or not a number.
// Keys are checked in sorted order so the reported error is stable.
func Validate(raw map[string]any, reg *Registry) (Config, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	levels := make(map[string]int, len(raw))
	for _, name := range names {
		if _, ok := reg.Lookup(name); !ok {
			return Config{}, &Error{
				Code:      ErrCodeUnknownComponent,
				Component: name,
				Message:   fmt.Sprintf("component %q is not registered", name),
			}
		}
		level, err := toLevel(raw[name])
		if err != nil {
			return Config{}, &Error{
				Code:      ErrCodeInvalidLevel,
				Component: name,
				Message:   err.Error(),
			}
		}
		levels[name] = level
	}

	return Config{levels: levels, registry: reg}, nil
}

// MustValidate is Validate for statically known mappings. It panics on error.
func MustValidate(raw map[string]any, reg *Registry) Config {
	cfg, err := Validate(raw, reg)
	if err != nil {
		panic(err)
	}
	return cfg
}

// toLevel converts a decoded YAML/JSON/CUE scalar into a trace level.
func toLevel(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return checkLevel(int64(n))
	case int8:
		return checkLevel(int64(n))
	case int16:
		return checkLevel(int64(n))
	case int32:
		return checkLevel(int64(n))
	case int64:
		return checkLevel(n)
	case uint:
		return checkLevel(int64(n))
	case uint8:
		return checkLevel(int64(n))
	case uint16:
		return checkLevel(int64(n))
	case uint32:
		return checkLevel(int64(n))
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("level %d is out of range", n)
		}
		return checkLevel(int64(n))
	case float32:
		return floatLevel(float64(n))
	case float64:
		return floatLevel(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return checkLevel(i)
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("level %q is not a number", n.String())
		}
		return floatLevel(f)
	case nil:
		return 0, fmt.Errorf("level is missing")
	default:
		return 0, fmt.Errorf("level %v (%T) is not an integer", v, v)
	}
}

func floatLevel(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("level %v is not an integer", f)
	}
	return checkLevel(int64(f))
}

func checkLevel(n int64) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("level %d is negative", n)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("level %d is out of range", n)
	}
	return int(n), nil
}

// Level returns the configured level of a component, 0 when absent.
func (c Config) Level(name string) int {
	return c.levels[name]
}

// Len returns the number of configured components.
func (c Config) Len() int {
	return len(c.levels)
}

// Registry returns the registry the configuration was validated against.
func (c Config) Registry() *Registry {
	if c.registry == nil {
		return DefaultRegistry()
	}
	return c.registry
}

// Components returns the configured component names in sorted order.
func (c Config) Components() []string {
	names := make([]string, 0, len(c.levels))
	for name := range c.levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw returns a copy of the mapping suitable for feeding back into Validate.
func (c Config) Raw() map[string]any {
	raw := make(map[string]any, len(c.levels))
	for name, level := range c.levels {
		raw[name] = level
	}
	return raw
}

// Levels returns a copy of the mapping with concrete int values.
func (c Config) Levels() map[string]int {
	out := make(map[string]int, len(c.levels))
	for name, level := range c.levels {
		out[name] = level
	}
	return out
}

// Equal reports whether two configurations carry the same levels.
// Components configured at 0 are distinct from absent ones.
func (c Config) Equal(other Config) bool {
	if len(c.levels) != len(other.levels) {
		return false
	}
	for name, level := range c.levels {
		otherLevel, ok := other.levels[name]
		if !ok || otherLevel != level {
			return false
		}
	}
	return true
}

// Active returns the registered components with a level above zero,
// sorted by name.
func (c Config) Active() []Component {
	var out []Component
	for _, name := range c.Components() {
		if c.levels[name] > 0 {
			comp, _ := c.Registry().Lookup(name)
			out = append(out, comp)
		}
	}
	return out
}

// Silent returns every registered component whose effective level is zero,
// including components the configuration does not mention.
func (c Config) Silent() []Component {
	var out []Component
	for _, comp := range c.Registry().Components() {
		if c.levels[comp.Name] == 0 {
			out = append(out, comp)
		}
	}
	return out
}

// Args renders the configuration as property-style command line arguments,
// sorted by component name.
func (c Config) Args() []string {
	names := c.Components()
	args := make([]string, 0, len(names))
	for _, name := range names {
		args = append(args, "--"+name+"="+strconv.Itoa(c.levels[name]))
	}
	return args
}

// Env renders the configuration as KEY=VALUE environment entries using each
// component's registered variable name, sorted by component name.
// Components registered without an environment variable are skipped.
func (c Config) Env() []string {
	names := c.Components()
	env := make([]string, 0, len(names))
	for _, name := range names {
		comp, ok := c.Registry().Lookup(name)
		if !ok || comp.Env == "" {
			continue
		}
		env = append(env, comp.Env+"="+strconv.Itoa(c.levels[name]))
	}
	return env
}

// Routing selects how trace levels reach a process.
type Routing string

const (
	// RouteArgs passes levels as "--Component=level" arguments.
	RouteArgs Routing = "args"
	// RouteEnv passes levels as environment variables.
	RouteEnv Routing = "env"
	// RouteBoth passes levels both ways.
	RouteBoth Routing = "both"
)

// Valid reports whether r is a known routing mode.
func (r Routing) Valid() bool {
	switch r {
	case RouteArgs, RouteEnv, RouteBoth:
		return true
	}
	return false
}

// UsesArgs reports whether levels are passed as arguments.
func (r Routing) UsesArgs() bool { return r == RouteArgs || r == RouteBoth }

// UsesEnv reports whether levels are passed as environment variables.
func (r Routing) UsesEnv() bool { return r == RouteEnv || r == RouteBoth }
