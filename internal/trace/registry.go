package trace

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Component describes one traceable software component of the system under test.
type Component struct {
	// Name is the property name used in suite descriptions, e.g. "Ice.Trace.Network".
	Name string `yaml:"name" json:"name"`

	// Category is the label the component prints on its trace lines, e.g. "Network".
	Category string `yaml:"category" json:"category"`

	// Env is the environment variable carrying the level. Empty disables env routing.
	Env string `yaml:"env,omitempty" json:"env,omitempty"`
}

// builtinComponents lists the components every registry knows.
var builtinComponents = []Component{
	{Name: "DataStorm.Trace.Data", Category: "Data", Env: "DATASTORM_TRACE_DATA"},
	{Name: "DataStorm.Trace.Session", Category: "Session", Env: "DATASTORM_TRACE_SESSION"},
	{Name: "DataStorm.Trace.Topic", Category: "Topic", Env: "DATASTORM_TRACE_TOPIC"},
	{Name: "Ice.Trace.Locator", Category: "Locator", Env: "ICE_TRACE_LOCATOR"},
	{Name: "Ice.Trace.Network", Category: "Network", Env: "ICE_TRACE_NETWORK"},
	{Name: "Ice.Trace.Protocol", Category: "Protocol", Env: "ICE_TRACE_PROTOCOL"},
	{Name: "Ice.Trace.Retry", Category: "Retry", Env: "ICE_TRACE_RETRY"},
}

var (
	componentName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(\.[A-Za-z][A-Za-z0-9]*)+$`)
	envName       = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// Registry is the closed set of components a Config may reference.
// A Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	byName map[string]Component
	sorted []Component
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry of built-in components.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		reg, err := NewRegistry()
		if err != nil {
			panic(fmt.Sprintf("built-in trace components are invalid: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// NewRegistry creates a registry holding the built-in components plus extra.
// Extra components must have a dotted name and a category, may not clash with
// an existing name, and their env variable must be a valid shell identifier.
func NewRegistry(extra ...Component) (*Registry, error) {
	r := &Registry{byName: make(map[string]Component, len(builtinComponents)+len(extra))}

	var errs []error
	for _, comp := range append(append([]Component{}, builtinComponents...), extra...) {
		if err := checkComponent(comp); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byName[comp.Name]; dup {
			errs = append(errs, fmt.Errorf("component %q registered twice", comp.Name))
			continue
		}
		r.byName[comp.Name] = comp
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r.sorted = make([]Component, 0, len(r.byName))
	for _, comp := range r.byName {
		r.sorted = append(r.sorted, comp)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Name < r.sorted[j].Name })

	return r, nil
}

func checkComponent(c Component) error {
	if !componentName.MatchString(c.Name) {
		return fmt.Errorf("component name %q must be dotted identifiers (e.g. Ice.Trace.Network)", c.Name)
	}
	if strings.TrimSpace(c.Category) == "" {
		return fmt.Errorf("component %q: category is required", c.Name)
	}
	if c.Env != "" && !envName.MatchString(c.Env) {
		return fmt.Errorf("component %q: env %q is not a valid variable name", c.Name, c.Env)
	}
	return nil
}

// Lookup returns the component registered under name.
func (r *Registry) Lookup(name string) (Component, bool) {
	comp, ok := r.byName[name]
	return comp, ok
}

// Components returns all registered components sorted by name.
func (r *Registry) Components() []Component {
	out := make([]Component, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Names returns all registered component names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.sorted))
	for i, comp := range r.sorted {
		names[i] = comp.Name
	}
	return names
}
