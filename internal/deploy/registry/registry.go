// Package registry resolves the hosts and per-role host groups a deployment touches.
package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Registry is an immutable snapshot of hosts and roles built from a descriptor.
type Registry struct {
	service     string
	hosts       []model.Host
	index       map[string]int
	roles       []model.Role
	accessories []model.Role
}

// New builds the registry. Hosts keep the order in which they first appear in
// the descriptor, roles keep descriptor order.
func New(desc *config.Descriptor) (*Registry, error) {
	r := &Registry{service: desc.Service, index: make(map[string]int)}
	names := make(map[string]struct{})

	for _, spec := range desc.Servers {
		if _, dup := names[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", model.ErrInvalidDescriptor, spec.Name)
		}
		names[spec.Name] = struct{}{}

		role := model.Role{
			Name:  spec.Name,
			Kind:  model.RoleKindWorker,
			Cmd:   spec.Cmd,
			Proxy: spec.Proxied(),
		}
		if role.Proxy {
			role.Kind = model.RoleKindService
		}
		for _, addr := range spec.Hosts {
			host, err := r.addHost(addr, spec.Name, desc.SSH)
			if err != nil {
				return nil, err
			}
			role.Hosts = appendUnique(role.Hosts, host)
		}
		r.roles = append(r.roles, role)
	}

	for _, spec := range desc.Accessories {
		if _, dup := names[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", model.ErrInvalidDescriptor, spec.Name)
		}
		names[spec.Name] = struct{}{}

		role := model.Role{
			Name:  spec.Name,
			Kind:  model.RoleKindAccessory,
			Cmd:   spec.Cmd,
			Image: spec.Image,
			Port:  spec.Port,
		}
		for _, addr := range spec.AllHosts() {
			host, err := r.addHost(addr, spec.Name, desc.SSH)
			if err != nil {
				return nil, err
			}
			role.Hosts = appendUnique(role.Hosts, host)
		}
		r.accessories = append(r.accessories, role)
	}
	return r, nil
}

// addHost registers addr for role and returns its canonical address.
// addr may carry "user@" and ":port" overrides.
func (r *Registry) addHost(addr, role string, ssh config.SSHConfig) (string, error) {
	h, err := parseHost(addr, ssh)
	if err != nil {
		return "", err
	}
	if i, ok := r.index[h.Address]; ok {
		if !r.hosts[i].HasRole(role) {
			r.hosts[i].Roles = append(r.hosts[i].Roles, role)
		}
		return h.Address, nil
	}
	h.Roles = []string{role}
	r.index[h.Address] = len(r.hosts)
	r.hosts = append(r.hosts, h)
	return h.Address, nil
}

func parseHost(addr string, ssh config.SSHConfig) (model.Host, error) {
	h := model.Host{User: ssh.User, Port: ssh.Port, KeyRef: ssh.Key}
	s := strings.TrimSpace(addr)
	if user, rest, ok := strings.Cut(s, "@"); ok {
		h.User, s = user, rest
	}
	if i := strings.LastIndex(s, ":"); i > 0 && !strings.Contains(s[:i], ":") {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return model.Host{}, fmt.Errorf("%w: bad port in host %q", model.ErrInvalidDescriptor, addr)
		}
		h.Port, s = port, s[:i]
	}
	if s == "" {
		return model.Host{}, fmt.Errorf("%w: empty host address", model.ErrInvalidDescriptor)
	}
	h.Address = s
	return h, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Service is the deployed service name.
func (r *Registry) Service() string { return r.service }

// Hosts returns every host in registration order, accessories included.
func (r *Registry) Hosts() []model.Host {
	out := make([]model.Host, len(r.hosts))
	for i, h := range r.hosts {
		h.Roles = append([]string(nil), h.Roles...)
		out[i] = h
	}
	return out
}

// Host looks up a host by address.
func (r *Registry) Host(addr string) (model.Host, bool) {
	i, ok := r.index[addr]
	if !ok {
		return model.Host{}, false
	}
	return r.hosts[i], true
}

// Roles returns the rollable roles in descriptor order.
func (r *Registry) Roles() []model.Role {
	return append([]model.Role(nil), r.roles...)
}

// Accessories returns the accessory roles. They are reported but never rolled out.
func (r *Registry) Accessories() []model.Role {
	return append([]model.Role(nil), r.accessories...)
}

// Role returns a role or accessory by name.
func (r *Registry) Role(name string) (model.Role, bool) {
	for _, role := range r.roles {
		if role.Name == name {
			return role, true
		}
	}
	for _, role := range r.accessories {
		if role.Name == name {
			return role, true
		}
	}
	return model.Role{}, false
}

// HostsFor returns the hosts of a role in registration order.
func (r *Registry) HostsFor(role string) []model.Host {
	rl, ok := r.Role(role)
	if !ok {
		return nil
	}
	out := make([]model.Host, 0, len(rl.Hosts))
	for _, addr := range rl.Hosts {
		if h, ok := r.Host(addr); ok {
			out = append(out, h)
		}
	}
	return out
}

// Select resolves a role filter. An empty filter selects every rollable role;
// unknown names and accessories are rejected.
func (r *Registry) Select(names []string) ([]string, error) {
	if len(names) == 0 {
		out := make([]string, len(r.roles))
		for i, role := range r.roles {
			out[i] = role.Name
		}
		return out, nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		role, ok := r.Role(n)
		if !ok {
			return nil, fmt.Errorf("unknown role %q: %w", n, model.ErrNotFound)
		}
		if !role.Rollable() {
			return nil, fmt.Errorf("%w: accessory %q is not rolled out", model.ErrInvalidBatchConfig, n)
		}
		want[n] = struct{}{}
	}
	// keep descriptor order regardless of filter order
	var out []string
	for _, role := range r.roles {
		if _, ok := want[role.Name]; ok {
			out = append(out, role.Name)
		}
	}
	return out, nil
}
