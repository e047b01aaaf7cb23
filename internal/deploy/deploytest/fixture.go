// Package deploytest wires the deployment engine against simulated hosts, an
// in-memory store and a fake clock.
package deploytest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/lifecycle"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/planner"
	"github.com/qiniu/zerodeploy/internal/deploy/proxy"
	"github.com/qiniu/zerodeploy/internal/deploy/registry"
	"github.com/qiniu/zerodeploy/internal/deploy/retry"
	"github.com/qiniu/zerodeploy/internal/deploy/rollback"
	"github.com/qiniu/zerodeploy/internal/deploy/secrets"
	"github.com/qiniu/zerodeploy/internal/deploy/transport/transporttest"
)

// Descriptor is four web hosts rolled two at a time and one worker host.
const Descriptor = `
service: app
image: registry.example.com/app
servers:
  web:
    - 10.0.0.1
    - 10.0.0.2
    - 10.0.0.3
    - 10.0.0.4
  jobs:
    hosts: [10.0.1.1]
    cmd: bin/jobs
proxy:
  host: app.example.com
  app_port: 3000
boot:
  limit: 2
healthcheck:
  path: /up
  max_attempts: 3
  initial_interval: 1s
  timeout: 30s
drain_timeout: 10s
transport_retries: 2
`

// Fixture is a fully wired engine.
type Fixture struct {
	Desc      *config.Descriptor
	Registry  *registry.Registry
	Docker    *transporttest.Docker
	Store     *database.MemoryStore
	Routes    *proxy.MemoryRouteStore
	Clock     *clock.Fake
	Driver    *lifecycle.Driver
	Proxy     *proxy.Reconciler
	Orch      *orchestrator.Orchestrator
	Rollback  *rollback.Controller
	BootLimit model.BatchSize
	Secrets   secrets.Map
}

// New builds a fixture from descriptor YAML; an empty string uses Descriptor.
func New(t *testing.T, descriptor string) *Fixture {
	t.Helper()
	if descriptor == "" {
		descriptor = Descriptor
	}
	desc, err := config.ParseDescriptor([]byte(descriptor), func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	reg, err := registry.New(desc)
	require.NoError(t, err)

	f := &Fixture{
		Desc:     desc,
		Registry: reg,
		Docker:   transporttest.NewDocker(),
		Store:    database.NewMemoryStore(),
		Routes:   proxy.NewMemoryRouteStore(),
		Clock:    clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Secrets:  secrets.Map{},
	}
	f.BootLimit, err = planner.ParseBatchSize(desc.Boot.Limit)
	require.NoError(t, err)
	rollbackLimit, err := planner.ParseBatchSize(desc.Rollback.Limit)
	require.NoError(t, err)

	f.Driver = lifecycle.New(lifecycle.Config{
		Service: desc.Service,
		AppPort: desc.Proxy.AppPort,
		Health: lifecycle.HealthCheck{
			Path: desc.Healthcheck.Path,
			Port: desc.Healthcheck.Port,
			Policy: retry.Policy{
				MaxAttempts:     desc.Healthcheck.MaxAttempts,
				InitialInterval: time.Duration(desc.Healthcheck.InitialInterval),
				MaxInterval:     time.Duration(desc.Healthcheck.MaxInterval),
				Timeout:         time.Duration(desc.Healthcheck.Timeout),
			},
		},
		Env: desc.Env.Clear,
	}, f.Docker, f.Store, f.Secrets, f.Clock)

	f.Proxy = proxy.NewReconciler(proxy.Config{
		Public: desc.Proxy.Host,
		TLS:    desc.Proxy.SSL,
		Drain:  time.Duration(desc.DrainTimeout),
	}, f.Routes, proxy.NewMemoryLocker(), proxy.NewTransportClient(f.Docker, desc.Service), f.Clock)

	f.Orch = orchestrator.New(orchestrator.Config{
		BootWait:         time.Duration(desc.Boot.Wait),
		TransportRetries: desc.TransportRetries,
	}, reg, f.Driver, f.Proxy, f.Store, f.Clock)
	f.Rollback = rollback.New(reg, f.Store, f.Orch, rollbackLimit)
	return f
}

// Release returns the release for version and saves it.
func (f *Fixture) Release(t *testing.T, version string) model.Release {
	t.Helper()
	rel := model.Release{Version: version, Image: fmt.Sprintf("registry.example.com/app:%s", version), CreatedAt: f.Clock.Now()}
	saved, err := f.Store.SaveRelease(context.Background(), rel)
	require.NoError(t, err)
	return saved
}

// Plan plans every rollable role at the descriptor's boot limit.
func (f *Fixture) Plan(t *testing.T, rel model.Release, roles ...string) model.RolloutPlan {
	t.Helper()
	selected, err := f.Registry.Select(roles)
	require.NoError(t, err)
	plan, err := planner.Plan(f.Registry.Hosts(), selected, f.BootLimit, rel)
	require.NoError(t, err)
	return plan
}

// Deploy runs a deploy of version and returns the report.
func (f *Fixture) Deploy(t *testing.T, ctx context.Context, version string, roles ...string) (orchestrator.Report, error) {
	t.Helper()
	rel := f.Release(t, version)
	return f.Orch.Run(ctx, f.Plan(t, rel, roles...), model.KindDeploy, "")
}

// MustDeploy deploys and requires success.
func (f *Fixture) MustDeploy(t *testing.T, version string, roles ...string) orchestrator.Report {
	t.Helper()
	rep, err := f.Deploy(t, context.Background(), version, roles...)
	require.NoError(t, err, rep.Summary())
	return rep
}

// Record returns the container record of role on host.
func (f *Fixture) Record(t *testing.T, host, role string) model.ContainerRecord {
	t.Helper()
	rec, err := f.Store.GetRecord(context.Background(), host, role)
	require.NoError(t, err)
	return rec
}

// Container is the container name of role at version.
func (f *Fixture) Container(role, version string) string {
	return model.ContainerName(f.Desc.Service, role, version)
}

// Target returns what the proxy on host routes role to.
func (f *Fixture) Target(host, role string) string {
	return f.Docker.ProxyTarget(host, proxy.ServiceName(f.Desc.Service, role))
}

// Touched reports whether any command on host mentioned version.
func (f *Fixture) Touched(host, version string) bool {
	for _, cmd := range f.Docker.CommandsFor(host) {
		if strings.Contains(cmd, version) {
			return true
		}
	}
	return false
}

// Count counts commands on host starting with prefix.
func (f *Fixture) Count(host, prefix string) int {
	n := 0
	for _, cmd := range f.Docker.CommandsFor(host) {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}
