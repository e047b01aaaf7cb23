// Package transporttest simulates the docker engine and proxy of a fleet of
// hosts behind a transport.Memory.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/transport"
)

// Container is the simulated state of one container.
type Container struct {
	Name    string
	Image   string
	Running bool
	Env     []string
}

type hostState struct {
	images     map[string]bool
	containers map[string]*Container
	routes     map[string]string // proxy service -> target
	loggedIn   bool
}

// Docker is a fleet of fake docker hosts.
type Docker struct {
	*transport.Memory

	mu    sync.Mutex
	hosts map[string]*hostState

	// Unhealthy reports whether a container never passes its health check.
	Unhealthy func(host, container string) bool
	// FailTransport makes a command fail as if the connection dropped.
	FailTransport func(host, cmd string) bool
	// ProxyRefuses makes the proxy reject a target, leaving the old one routed.
	ProxyRefuses func(host, target string) bool
}

func NewDocker() *Docker {
	d := &Docker{hosts: make(map[string]*hostState)}
	d.Memory = transport.NewMemory(d.handle)
	return d
}

func (d *Docker) host(addr string) *hostState {
	h, ok := d.hosts[addr]
	if !ok {
		h = &hostState{
			images:     make(map[string]bool),
			containers: make(map[string]*Container),
			routes:     make(map[string]string),
		}
		d.hosts[addr] = h
	}
	return h
}

// Seed places a running container on a host, as left by an earlier deploy.
func (d *Docker) Seed(addr string, c Container) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cc := c
	d.host(addr).containers[c.Name] = &cc
}

// Container returns a copy of a container's state.
func (d *Docker) Container(addr, name string) (Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.host(addr).containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Running lists running container names on a host.
func (d *Docker) Running(addr string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for name, c := range d.host(addr).containers {
		if c.Running {
			out = append(out, name)
		}
	}
	return out
}

// ProxyTarget returns what the host's proxy routes a service to.
func (d *Docker) ProxyTarget(addr, service string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host(addr).routes[service]
}

func (d *Docker) handle(_ context.Context, h model.Host, cmd string) (transport.Result, error) {
	if d.FailTransport != nil && d.FailTransport(h.Address, cmd) {
		return transport.Result{}, &model.TransportError{Host: h.Address, Op: "ssh run", Err: errors.New("connection reset by peer")}
	}

	args := fields(cmd)
	if len(args) < 2 || args[0] != "docker" {
		return transport.Result{ExitCode: 127, Stderr: "unknown command"}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.host(h.Address)

	switch args[1] {
	case "login":
		st.loggedIn = true
		return ok("Login Succeeded")
	case "pull":
		st.images[args[len(args)-1]] = true
		return ok("")
	case "container":
		// docker container inspect --format ... <name>
		name := args[len(args)-1]
		c, found := st.containers[name]
		if !found {
			return transport.Result{ExitCode: 1, Stderr: "Error: No such container: " + name}, nil
		}
		if c.Running {
			return ok("running")
		}
		return ok("exited")
	case "start":
		c, found := st.containers[args[2]]
		if !found {
			return transport.Result{ExitCode: 1, Stderr: "No such container"}, nil
		}
		c.Running = true
		return ok(args[2])
	case "run":
		return d.run(st, args)
	case "exec":
		return d.exec(h.Address, st, args)
	case "stop":
		name := args[len(args)-1]
		if c, found := st.containers[name]; found {
			c.Running = false
		}
		return ok(name)
	case "rm":
		name := args[len(args)-1]
		delete(st.containers, name)
		return ok(name)
	case "logs":
		name := args[len(args)-1]
		if _, found := st.containers[name]; !found {
			return transport.Result{ExitCode: 1, Stderr: "No such container"}, nil
		}
		return ok("log line from " + name)
	case "ps":
		var names []string
		for name := range st.containers {
			names = append(names, name)
		}
		return ok(strings.Join(names, "\n"))
	}
	return transport.Result{ExitCode: 1, Stderr: "unsupported: " + cmd}, nil
}

func (d *Docker) run(st *hostState, args []string) (transport.Result, error) {
	c := &Container{Running: true}
	i := 2
	for ; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			break
		}
		switch a {
		case "--name":
			i++
			c.Name = args[i]
		case "-e", "--env":
			i++
			c.Env = append(c.Env, args[i])
		case "--label", "--network", "--restart", "--publish", "-p":
			i++
		}
	}
	if i >= len(args) {
		return transport.Result{ExitCode: 125, Stderr: "missing image"}, nil
	}
	c.Image = args[i]
	if !st.images[c.Image] {
		return transport.Result{ExitCode: 125, Stderr: "image not pulled: " + c.Image}, nil
	}
	if _, exists := st.containers[c.Name]; exists {
		return transport.Result{ExitCode: 125, Stderr: "Conflict. The container name is already in use"}, nil
	}
	st.containers[c.Name] = c
	return ok(c.Name)
}

func (d *Docker) exec(addr string, st *hostState, args []string) (transport.Result, error) {
	if len(args) < 4 {
		return transport.Result{ExitCode: 1}, nil
	}
	target := args[2]
	if target == "kamal-proxy" {
		// docker exec kamal-proxy kamal-proxy deploy <service> --target <addr> ...
		if len(args) >= 6 && args[4] == "deploy" {
			service := args[5]
			for j := 6; j+1 < len(args); j++ {
				if args[j] != "--target" {
					continue
				}
				if d.ProxyRefuses != nil && d.ProxyRefuses(addr, args[j+1]) {
					return transport.Result{ExitCode: 1, Stderr: "target failed to become healthy"}, nil
				}
				st.routes[service] = args[j+1]
			}
			return ok("")
		}
		return transport.Result{ExitCode: 1, Stderr: "unsupported proxy command"}, nil
	}

	c, found := st.containers[target]
	if !found || !c.Running {
		return transport.Result{ExitCode: 1, Stderr: "container not running"}, nil
	}
	if d.Unhealthy != nil && d.Unhealthy(addr, target) {
		return transport.Result{ExitCode: 22, Stderr: "curl: (22) The requested URL returned error: 503"}, nil
	}
	return ok("OK")
}

func ok(stdout string) (transport.Result, error) {
	return transport.Result{Stdout: stdout}, nil
}

// fields splits a command line produced by transport.Join, honouring single quotes.
func fields(cmd string) []string {
	var (
		out        []string
		cur        strings.Builder
		in, sq, dq bool
	)
	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		switch {
		case ch == '\'' && !dq:
			sq = !sq
			in = true
		case ch == '"' && !sq:
			dq = !dq
			in = true
		case ch == ' ' && !sq && !dq:
			if in {
				out = append(out, cur.String())
				cur.Reset()
				in = false
			}
		default:
			cur.WriteByte(ch)
			in = true
		}
	}
	if in {
		out = append(out, cur.String())
	}
	return out
}

// String describes a host for debugging failed tests.
func (d *Docker) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for addr, st := range d.hosts {
		fmt.Fprintf(&b, "%s:", addr)
		for name, c := range st.containers {
			fmt.Fprintf(&b, " %s(running=%v)", name, c.Running)
		}
		b.WriteString("\n")
	}
	return b.String()
}
