// Package lifecycle drives containers on a single host: pull, start alongside
// the old version, health check, stop. It is the only writer of ContainerRecord.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/metrics"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/retry"
	"github.com/qiniu/zerodeploy/internal/deploy/secrets"
	"github.com/qiniu/zerodeploy/internal/deploy/transport"
)

const healthRequestTimeout = 5 // seconds, per request

// HealthCheck configures the check run after a container starts.
type HealthCheck struct {
	Path   string // HTTP path requested inside the container, empty checks the running state only
	Port   int
	Policy retry.Policy
}

// RegistryAuth is used for docker login before pulling.
type RegistryAuth struct {
	Server      string
	Username    string
	PasswordKey string // secret key
}

// Config of a Driver.
type Config struct {
	Service   string
	AppPort   int
	Network   string
	Health    HealthCheck
	Env       map[string]string
	SecretEnv []string
	Registry  RegistryAuth
}

// Result of a Transition.
type Result struct {
	Outcome   model.Outcome
	Container string
	Endpoint  model.Endpoint
	Attempts  int
	Err       error
}

// Driver executes container operations through a Transport.
type Driver struct {
	cfg       Config
	transport transport.Transport
	store     database.Store
	secrets   secrets.Provider
	clock     clock.Clock

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

func New(cfg Config, t transport.Transport, store database.Store, sp secrets.Provider, clk clock.Clock) *Driver {
	if sp == nil {
		sp = secrets.Map{}
	}
	return &Driver{
		cfg:       cfg,
		transport: t,
		store:     store,
		secrets:   sp,
		clock:     clk,
		writers:   make(map[string]*sync.Mutex),
	}
}

// ContainerName names the container of role at version.
func (d *Driver) ContainerName(role, version string) string {
	return model.ContainerName(d.cfg.Service, role, version)
}

// Endpoint is where the proxy reaches a container.
func (d *Driver) Endpoint(container string) model.Endpoint {
	return model.NewEndpoint(container, d.cfg.AppPort)
}

// Transition pulls to, starts it next to the running container and waits for
// it to become healthy. On success the record becomes current=to, previous=from.
// On Unhealthy the record's current release is untouched and the new container
// is left for the caller to discard; the old container is never touched here.
func (d *Driver) Transition(ctx context.Context, host model.Host, role model.Role, from *model.Release, to model.Release) Result {
	return d.TransitionObserved(ctx, host, role, from, to, nil)
}

// TransitionObserved is Transition reporting each step to observe.
func (d *Driver) TransitionObserved(ctx context.Context, host model.Host, role model.Role, from *model.Release, to model.Release, observe func(model.HostState)) Result {
	if observe == nil {
		observe = func(model.HostState) {}
	}
	res := Result{Container: d.ContainerName(role.Name, to.Version)}
	res.Endpoint = d.Endpoint(res.Container)

	fail := func(err error) Result {
		res.Err = err
		res.Outcome = Classify(err)
		if res.Outcome == model.OutcomeUnhealthy {
			if merr := d.MarkUnhealthy(ctx, host, role.Name); merr != nil {
				log.Error().Err(merr).Str("host", host.Address).Msg("failed to record unhealthy state")
			}
		}
		return res
	}

	observe(model.StatePulling)
	if err := d.Pull(ctx, host, to); err != nil {
		return fail(err)
	}
	observe(model.StateStarting)
	if _, err := d.Start(ctx, host, role, to); err != nil {
		return fail(err)
	}
	observe(model.StateHealthChecking)
	attempts, err := d.AwaitHealthy(ctx, host, role, res.Container)
	res.Attempts = attempts
	if err != nil {
		return fail(err)
	}
	if err := d.Commit(ctx, host, role.Name, from, to); err != nil {
		return fail(err)
	}
	res.Outcome = model.OutcomeHealthy
	return res
}

// Classify maps an error from a lifecycle step to an outcome.
func Classify(err error) model.Outcome {
	switch {
	case err == nil:
		return model.OutcomeHealthy
	case errors.Is(err, model.ErrTransport):
		return model.OutcomeTransportError
	default:
		return model.OutcomeUnhealthy
	}
}

// Pull logs in to the registry when configured and pulls the release image.
func (d *Driver) Pull(ctx context.Context, host model.Host, rel model.Release) error {
	if d.cfg.Registry.Username != "" {
		password, err := d.secrets.Resolve(ctx, d.cfg.Registry.PasswordKey)
		if err != nil {
			return fmt.Errorf("registry password: %w", err)
		}
		if _, err := d.exec(ctx, host, []string{password},
			"docker", "login", d.cfg.Registry.Server, "-u", d.cfg.Registry.Username, "-p", password); err != nil {
			return fmt.Errorf("%w: docker login: %w", model.ErrUnhealthy, err)
		}
	}
	if _, err := d.exec(ctx, host, nil, "docker", "pull", rel.Image); err != nil {
		return fmt.Errorf("%w: pull %s: %w", model.ErrUnhealthy, rel.Image, err)
	}
	return nil
}

// Start runs the release container for role, reusing a container left by an
// earlier run of the same version.
func (d *Driver) Start(ctx context.Context, host model.Host, role model.Role, rel model.Release) (string, error) {
	name := d.ContainerName(role.Name, rel.Version)

	state, err := d.containerState(ctx, host, name)
	if err != nil {
		return "", err
	}
	switch state {
	case "running":
		log.Info().Str("host", host.Address).Str("container", name).Msg("container already running")
		return name, nil
	case "":
	default:
		if _, err := d.exec(ctx, host, nil, "docker", "start", name); err != nil {
			return "", fmt.Errorf("%w: start %s: %w", model.ErrUnhealthy, name, err)
		}
		return name, nil
	}

	env, secretValues, err := d.env(ctx)
	if err != nil {
		return "", err
	}
	args := []string{"docker", "run", "--detach", "--restart", "unless-stopped", "--name", name}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	args = append(args,
		"--label", "service="+d.cfg.Service,
		"--label", "role="+role.Name,
		"--label", "version="+rel.Version,
	)
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, rel.Image)

	cmd := transport.Join(args...)
	if role.Cmd != "" {
		cmd += " " + role.Cmd
	}
	if _, err := d.run(ctx, host, cmd, secretValues); err != nil {
		return "", fmt.Errorf("%w: run %s: %w", model.ErrUnhealthy, name, err)
	}
	log.Info().Str("host", host.Address).Str("container", name).Str("image", rel.Image).Msg("container started")
	return name, nil
}

// env returns KEY=VALUE pairs, clear vars sorted then secrets in declared order.
func (d *Driver) env(ctx context.Context) ([]string, []string, error) {
	keys := make([]string, 0, len(d.cfg.Env))
	for k := range d.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+len(d.cfg.SecretEnv))
	for _, k := range keys {
		out = append(out, k+"="+d.cfg.Env[k])
	}
	var values []string
	for _, k := range d.cfg.SecretEnv {
		v, err := d.secrets.Resolve(ctx, k)
		if err != nil {
			return nil, nil, fmt.Errorf("secret env %s: %w", k, err)
		}
		out = append(out, k+"="+v)
		values = append(values, v)
	}
	return out, values, nil
}

// AwaitHealthy polls the container until it is healthy or the retry policy is
// exhausted. Exhaustion and timeout wrap model.ErrUnhealthy.
func (d *Driver) AwaitHealthy(ctx context.Context, host model.Host, role model.Role, container string) (int, error) {
	check := d.healthCommand(role, container)
	loop := retry.NewLoop(d.cfg.Health.Policy, d.clock)

	err := loop.Run(ctx, func(ctx context.Context, attempt int) error {
		res, err := d.transport.Run(ctx, host, check)
		if err != nil {
			return retry.Permanent(asTransport(host, "health check", err))
		}
		if !res.OK() {
			log.Debug().Str("host", host.Address).Str("container", container).Int("attempt", attempt).
				Int("exit", res.ExitCode).Msg("health check failed")
			return fmt.Errorf("health check exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		if d.checksState(role) && strings.TrimSpace(res.Stdout) != "running" {
			return fmt.Errorf("container is %s", strings.TrimSpace(res.Stdout))
		}
		return nil
	})

	result := "healthy"
	if err != nil {
		result = "unhealthy"
	}
	metrics.HealthCheckAttempts.WithLabelValues(role.Name, result).Observe(float64(loop.Attempts()))

	switch {
	case err == nil:
		log.Info().Str("host", host.Address).Str("container", container).Int("attempts", loop.Attempts()).Msg("container healthy")
		return loop.Attempts(), nil
	case errors.Is(err, model.ErrTransport):
		return loop.Attempts(), err
	case errors.Is(err, retry.ErrAttemptsExhausted), errors.Is(err, retry.ErrDeadlineExceeded):
		return loop.Attempts(), fmt.Errorf("%w: %s on %s: %w", model.ErrUnhealthy, container, host.Address, err)
	default:
		// ctx cancelled mid-poll, treated like a lost connection
		return loop.Attempts(), asTransport(host, "health check", err)
	}
}

func (d *Driver) checksState(role model.Role) bool {
	return d.cfg.Health.Path == "" || !role.Proxy
}

func (d *Driver) healthCommand(role model.Role, container string) string {
	if d.checksState(role) {
		return transport.Join("docker", "container", "inspect", "--format", "{{.State.Status}}", container)
	}
	port := d.cfg.Health.Port
	if port == 0 {
		port = d.cfg.AppPort
	}
	url := "http://localhost:" + strconv.Itoa(port) + d.cfg.Health.Path
	return transport.Join("docker", "exec", container, "curl", "-fsS", "--max-time", strconv.Itoa(healthRequestTimeout), url)
}

func (d *Driver) writer(host, role string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := model.RouteKey(role, host)
	m, ok := d.writers[key]
	if !ok {
		m = &sync.Mutex{}
		d.writers[key] = m
	}
	return m
}

func (d *Driver) record(ctx context.Context, host, role string) (model.ContainerRecord, error) {
	rec, err := d.store.GetRecord(ctx, host, role)
	if errors.Is(err, model.ErrNotFound) {
		return model.ContainerRecord{Host: host, Role: role, Health: model.HealthUnknown}, nil
	}
	return rec, err
}

// Commit records a successful transition: current=to, previous=from. When
// from is empty or already at to, the existing previous release is kept.
func (d *Driver) Commit(ctx context.Context, host model.Host, role string, from *model.Release, to model.Release) error {
	w := d.writer(host.Address, role)
	w.Lock()
	defer w.Unlock()

	rec, err := d.record(ctx, host.Address, role)
	if err != nil {
		return err
	}
	if from != nil && from.Version != to.Version {
		prev := *from
		rec.Previous = &prev
	}
	cur := to
	rec.Current = &cur
	rec.Health = model.HealthHealthy
	rec.UpdatedAt = d.clock.Now()
	if err := d.store.PutRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// MarkUnhealthy flags the last transition as failed without changing releases.
func (d *Driver) MarkUnhealthy(ctx context.Context, host model.Host, role string) error {
	w := d.writer(host.Address, role)
	w.Lock()
	defer w.Unlock()

	rec, err := d.record(ctx, host.Address, role)
	if err != nil {
		return err
	}
	rec.Health = model.HealthUnhealthy
	rec.UpdatedAt = d.clock.Now()
	return d.store.PutRecord(ctx, rec)
}

// Revert puts back a record read before a transition whose container was
// refused by the proxy. The old release keeps serving.
func (d *Driver) Revert(ctx context.Context, prior model.ContainerRecord) error {
	w := d.writer(prior.Host, prior.Role)
	w.Lock()
	defer w.Unlock()

	prior.Health = model.HealthUnhealthy
	prior.UpdatedAt = d.clock.Now()
	return d.store.PutRecord(ctx, prior)
}

// Discard removes a container that never took traffic.
func (d *Driver) Discard(ctx context.Context, host model.Host, container string) error {
	_, err := d.exec(ctx, host, nil, "docker", "rm", "--force", container)
	return err
}

// StopOld stops a container once the proxy no longer routes to it. The
// container is kept so a later rollback can start it again.
func (d *Driver) StopOld(ctx context.Context, host model.Host, container string) error {
	_, err := d.exec(ctx, host, nil, "docker", "stop", container)
	return err
}

// Containers lists the service's containers of role on host.
func (d *Driver) Containers(ctx context.Context, host model.Host, role string) ([]string, error) {
	res, err := d.exec(ctx, host, nil, "docker", "ps", "--all",
		"--filter", "label=service="+d.cfg.Service,
		"--filter", "label=role="+role,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// Logs tails the current container of role on host.
func (d *Driver) Logs(ctx context.Context, host model.Host, role string, lines int) (string, string, error) {
	rec, err := d.store.GetRecord(ctx, host.Address, role)
	if err != nil {
		return "", "", err
	}
	if rec.Current == nil {
		return "", "", fmt.Errorf("no current release for %s on %s: %w", role, host.Address, model.ErrNotFound)
	}
	container := d.ContainerName(role, rec.Current.Version)
	if lines <= 0 {
		lines = 100
	}
	res, err := d.exec(ctx, host, nil, "docker", "logs", "--timestamps", "--tail", strconv.Itoa(lines), container)
	if err != nil {
		return container, "", err
	}
	return container, res.Stdout + res.Stderr, nil
}

func (d *Driver) containerState(ctx context.Context, host model.Host, name string) (string, error) {
	res, err := d.transport.Run(ctx, host, transport.Join("docker", "container", "inspect", "--format", "{{.State.Status}}", name))
	if err != nil {
		return "", asTransport(host, "inspect", err)
	}
	if !res.OK() {
		return "", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *Driver) exec(ctx context.Context, host model.Host, secretValues []string, args ...string) (transport.Result, error) {
	return d.run(ctx, host, transport.Join(args...), secretValues)
}

func (d *Driver) run(ctx context.Context, host model.Host, cmd string, secretValues []string) (transport.Result, error) {
	shown := transport.Redact(cmd, secretValues...)
	start := time.Now()
	res, err := d.transport.Run(ctx, host, cmd)
	log.Debug().Str("host", host.Address).Str("cmd", shown).Dur("took", time.Since(start)).Int("exit", res.ExitCode).Msg("remote command")
	if err != nil {
		return res, asTransport(host, "run", err)
	}
	if !res.OK() {
		return res, &model.CommandError{Host: host.Address, Command: shown, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

func asTransport(host model.Host, op string, err error) error {
	if errors.Is(err, model.ErrTransport) {
		return err
	}
	return &model.TransportError{Host: host.Address, Op: op, Err: err}
}
