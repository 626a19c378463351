// Package registry holds the startup-loaded mapping of operator names to their
// integration descriptors, and of telemetry devices to the operator that serves them.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrUnknownOperator is returned when an operator name has no descriptor.
var ErrUnknownOperator = errors.New("unknown operator")

// Capability is the integration style a descriptor supports.
type Capability string

const (
	CapabilityNone   Capability = ""
	CapabilityAPI    Capability = "API"
	CapabilityPortal Capability = "PORTAL"
)

// PortalCredentials log a simulated browser session into an operator portal.
type PortalCredentials struct {
	Username string `yaml:"username" json:"-"`
	Password string `yaml:"password" json:"-"`
}

// Descriptor describes how to reach one upstream operator. It is never mutated after Load.
type Descriptor struct {
	Name        string            `yaml:"-" json:"name" validate:"required"`
	APIKey      string            `yaml:"api_key" json:"-"`
	BaseURL     string            `yaml:"base_url" json:"base_url,omitempty" validate:"required_with=APIKey,omitempty,url"`
	PortalURL   string            `yaml:"portal_url" json:"portal_url,omitempty" validate:"omitempty,url"`
	Credentials PortalCredentials `yaml:"credentials" json:"-"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Settings    map[string]string `yaml:"settings" json:"-"`
	Capability  Capability        `yaml:"-" json:"capability"`
}

// DetectCapability applies the capability-presence rule: a remote credential selects API,
// otherwise a complete portal login selects PORTAL.
func (d Descriptor) DetectCapability() Capability {
	if d.APIKey != "" {
		return CapabilityAPI
	}
	if d.PortalURL != "" && d.Credentials.Username != "" {
		return CapabilityPortal
	}
	return CapabilityNone
}

type fileFormat struct {
	DefaultOperator string                `yaml:"default_operator"`
	Operators       map[string]Descriptor `yaml:"operators"`
	Devices         map[string]string     `yaml:"devices"`
}

// Registry is a read-only view over the loaded descriptors.
type Registry struct {
	operators       map[string]Descriptor
	devices         map[string]string
	defaultOperator string
}

// Load reads the registry from a YAML file. ${VAR} references are expanded from the
// environment. An empty path yields the built-in defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Parse([]byte(defaultRegistry))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operators file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a registry from YAML content.
func Parse(raw []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal([]byte(os.Expand(string(raw), lookupEnv)), &f); err != nil {
		return nil, fmt.Errorf("decode operators: %w", err)
	}
	return New(f.Operators, f.Devices, f.DefaultOperator)
}

// lookupEnv resolves ${VAR} and ${VAR:-fallback}.
func lookupEnv(key string) string {
	name, fallback, _ := strings.Cut(key, ":-")
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// New validates descriptors and builds a registry.
func New(operators map[string]Descriptor, devices map[string]string, defaultOperator string) (*Registry, error) {
	v := validator.New()
	r := &Registry{
		operators:       make(map[string]Descriptor, len(operators)),
		devices:         make(map[string]string, len(devices)),
		defaultOperator: defaultOperator,
	}
	for name, d := range operators {
		d.Name = name
		if err := v.Struct(d); err != nil {
			return nil, fmt.Errorf("operator %s: %w", name, err)
		}
		d.Capability = d.DetectCapability()
		r.operators[name] = d
	}
	if defaultOperator != "" {
		if _, ok := r.operators[defaultOperator]; !ok {
			return nil, fmt.Errorf("default_operator %s: %w", defaultOperator, ErrUnknownOperator)
		}
	}
	for device, op := range devices {
		if _, ok := r.operators[op]; !ok {
			return nil, fmt.Errorf("device %s references operator %s: %w", device, op, ErrUnknownOperator)
		}
		r.devices[device] = op
	}
	return r, nil
}

// Lookup returns the descriptor for an operator.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.operators[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
	}
	return d, nil
}

// Descriptors lists all descriptors ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.operators))
	for _, d := range r.operators {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OperatorForDevice returns the operator serving a device, falling back to the default operator.
func (r *Registry) OperatorForDevice(deviceID string) (string, bool) {
	if op, ok := r.devices[deviceID]; ok {
		return op, true
	}
	if r.defaultOperator != "" {
		return r.defaultOperator, true
	}
	return "", false
}

const defaultRegistry = `
default_operator: Openserve
operators:
  Vumatel:
    api_key: ${VUMATEL_API_KEY:-vuma_secret_123}
    base_url: ${VUMATEL_BASE_URL:-https://api.vumatel.co.za}
  Openserve:
    portal_url: ${OPENSERVE_PORTAL_URL:-https://portal.openserve.co.za}
    credentials:
      username: ${OPENSERVE_PORTAL_USER:-admin}
      password: ${OPENSERVE_PORTAL_PASS:-secret}
`
