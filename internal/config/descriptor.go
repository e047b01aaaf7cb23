package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	promodel "github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/planner"
)

// Descriptor is the deployment descriptor, usually config/deploy.yml.
//
// Defaults applied by the loader:
//   - ssh.user "root", ssh.port 22, ssh.connect_timeout 10s, ssh.max_concurrent_starts 30
//   - proxy.app_port 80
//   - boot.limit "100%" (one batch per role), rollback.limit "100%"
//   - the "web" role is proxied unless proxy: false, every other role is not unless proxy: true
//
// healthcheck.max_attempts, healthcheck.initial_interval, healthcheck.timeout and drain_timeout
// have no default and must be set.
type Descriptor struct {
	Service          string            `yaml:"service" validate:"required,hostname_rfc1123"`
	Image            string            `yaml:"image" validate:"required"`
	Servers          RoleList          `yaml:"servers" validate:"required,min=1,dive"`
	Accessories      AccessoryList     `yaml:"accessories" validate:"dive"`
	Registry         RegistryConfig    `yaml:"registry"`
	SSH              SSHConfig         `yaml:"ssh"`
	Env              EnvConfig         `yaml:"env"`
	Proxy            ProxyConfig       `yaml:"proxy"`
	Boot             BootConfig        `yaml:"boot"`
	Healthcheck      HealthcheckConfig `yaml:"healthcheck"`
	DrainTimeout     promodel.Duration `yaml:"drain_timeout" validate:"gt=0"`
	TransportRetries int               `yaml:"transport_retries" validate:"gte=0,lte=10"`
	Rollback         RollbackConfig    `yaml:"rollback"`
}

// RoleSpec is one entry under servers.
type RoleSpec struct {
	Name  string   `yaml:"-" validate:"required"`
	Hosts []string `yaml:"hosts" validate:"required,min=1,dive,required"`
	Cmd   string   `yaml:"cmd"`
	Proxy *bool    `yaml:"proxy"`
	Kind  string   `yaml:"kind" validate:"omitempty,oneof=service worker"`
}

// Proxied reports whether traffic for the role flows through the proxy.
func (r RoleSpec) Proxied() bool {
	if r.Proxy != nil {
		return *r.Proxy
	}
	if r.Kind == string(model.RoleKindWorker) {
		return false
	}
	return r.Name == "web"
}

// RoleList keeps servers in descriptor order.
type RoleList []RoleSpec

// UnmarshalYAML accepts either a plain host sequence (the "web" role) or an
// ordered mapping of role name to a host sequence or a role object.
func (l *RoleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var hosts []string
		if err := node.Decode(&hosts); err != nil {
			return err
		}
		*l = RoleList{{Name: "web", Hosts: hosts}}
		return nil
	case yaml.MappingNode:
		out := make(RoleList, 0, len(node.Content)/2)
		seen := make(map[string]struct{})
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			if _, dup := seen[name]; dup {
				return fmt.Errorf("line %d: duplicate role %q", node.Content[i].Line, name)
			}
			seen[name] = struct{}{}

			spec := RoleSpec{Name: name}
			val := node.Content[i+1]
			if val.Kind == yaml.SequenceNode {
				if err := val.Decode(&spec.Hosts); err != nil {
					return err
				}
			} else {
				if err := val.Decode(&spec); err != nil {
					return err
				}
				spec.Name = name
			}
			out = append(out, spec)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: servers must be a list or a mapping", node.Line)
}

// AccessorySpec describes a long-lived supporting service. Accessories are never rolled out.
type AccessorySpec struct {
	Name  string   `yaml:"-" validate:"required"`
	Image string   `yaml:"image" validate:"required"`
	Host  string   `yaml:"host"`
	Hosts []string `yaml:"hosts"`
	Port  int      `yaml:"port" validate:"gte=0,lte=65535"`
	Cmd   string   `yaml:"cmd"`
}

// AllHosts merges host and hosts.
func (a AccessorySpec) AllHosts() []string {
	if a.Host == "" {
		return a.Hosts
	}
	return append([]string{a.Host}, a.Hosts...)
}

type AccessoryList []AccessorySpec

func (l *AccessoryList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: accessories must be a mapping", node.Line)
	}
	out := make(AccessoryList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var spec AccessorySpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return err
		}
		spec.Name = node.Content[i].Value
		out = append(out, spec)
	}
	*l = out
	return nil
}

type RegistryConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // secret key, resolved through the secrets provider
}

type SSHConfig struct {
	User                string            `yaml:"user"`
	Port                int               `yaml:"port" validate:"gte=0,lte=65535"`
	Key                 string            `yaml:"key"`
	KnownHosts          string            `yaml:"known_hosts"`
	MaxConcurrentStarts int               `yaml:"max_concurrent_starts" validate:"gte=0"`
	ConnectTimeout      promodel.Duration `yaml:"connect_timeout"`
}

type EnvConfig struct {
	Clear  map[string]string `yaml:"clear"`
	Secret []string          `yaml:"secret"`
}

// ClearKeys returns the clear env keys sorted, for stable command lines.
func (e EnvConfig) ClearKeys() []string {
	keys := make([]string, 0, len(e.Clear))
	for k := range e.Clear {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type ProxyConfig struct {
	Host    string `yaml:"host"`
	SSL     bool   `yaml:"ssl"`
	AppPort int    `yaml:"app_port" validate:"gte=0,lte=65535"`
}

type BootConfig struct {
	Limit string            `yaml:"limit"`
	Wait  promodel.Duration `yaml:"wait"`
}

type HealthcheckConfig struct {
	Path            string            `yaml:"path"` // empty checks the container state only
	Port            int               `yaml:"port" validate:"gte=0,lte=65535"`
	MaxAttempts     int               `yaml:"max_attempts" validate:"gt=0"`
	InitialInterval promodel.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     promodel.Duration `yaml:"max_interval"`
	Timeout         promodel.Duration `yaml:"timeout" validate:"gt=0"`
}

type RollbackConfig struct {
	Limit string `yaml:"limit"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadDescriptor reads and validates the descriptor at path, expanding ${VAR} from the process environment.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}
	return ParseDescriptor(data, os.LookupEnv)
}

// ParseDescriptor parses raw YAML. lookup resolves ${VAR} references; a missing variable is an error.
func ParseDescriptor(data []byte, lookup func(string) (string, bool)) (*Descriptor, error) {
	var missing []string
	expanded := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		if v, ok := lookup(name); ok {
			return []byte(v)
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: undefined variables %v", model.ErrInvalidDescriptor, missing)
	}

	var d Descriptor
	if err := yaml.Unmarshal(expanded, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidDescriptor, err)
	}
	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Descriptor) applyDefaults() {
	if d.SSH.User == "" {
		d.SSH.User = "root"
	}
	if d.SSH.Port == 0 {
		d.SSH.Port = 22
	}
	if d.SSH.ConnectTimeout == 0 {
		d.SSH.ConnectTimeout = promodel.Duration(10 * time.Second)
	}
	if d.SSH.MaxConcurrentStarts == 0 {
		d.SSH.MaxConcurrentStarts = 30
	}
	if d.Proxy.AppPort == 0 {
		d.Proxy.AppPort = 80
	}
	if d.Boot.Limit == "" {
		d.Boot.Limit = "100%"
	}
	if d.Rollback.Limit == "" {
		d.Rollback.Limit = "100%"
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (d *Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %q", model.ErrInvalidDescriptor, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", model.ErrInvalidDescriptor, err)
	}

	names := make(map[string]struct{})
	for _, r := range d.Servers {
		if r.Kind == string(model.RoleKindWorker) && r.Proxy != nil && *r.Proxy {
			return fmt.Errorf("%w: worker role %q cannot be proxied", model.ErrInvalidDescriptor, r.Name)
		}
		names[r.Name] = struct{}{}
	}
	for _, a := range d.Accessories {
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("%w: accessory %q clashes with a role name", model.ErrInvalidDescriptor, a.Name)
		}
		names[a.Name] = struct{}{}
		if len(a.AllHosts()) == 0 {
			return fmt.Errorf("%w: accessory %q has no host", model.ErrInvalidDescriptor, a.Name)
		}
	}

	if d.Healthcheck.MaxInterval != 0 && d.Healthcheck.MaxInterval < d.Healthcheck.InitialInterval {
		return fmt.Errorf("%w: healthcheck.max_interval is below initial_interval", model.ErrInvalidDescriptor)
	}
	if d.Registry.Username != "" && d.Registry.Password == "" {
		return fmt.Errorf("%w: registry.password secret is required with a username", model.ErrInvalidDescriptor)
	}

	if _, err := planner.ParseBatchSize(d.Boot.Limit); err != nil {
		return fmt.Errorf("%w: boot.limit: %w", model.ErrInvalidDescriptor, err)
	}
	if _, err := planner.ParseBatchSize(d.Rollback.Limit); err != nil {
		return fmt.Errorf("%w: rollback.limit: %w", model.ErrInvalidDescriptor, err)
	}
	return nil
}

// Role returns the role spec by name.
func (d *Descriptor) Role(name string) (RoleSpec, bool) {
	for _, r := range d.Servers {
		if r.Name == name {
			return r, true
		}
	}
	return RoleSpec{}, false
}
