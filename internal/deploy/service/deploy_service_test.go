package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/deploytest"
	"github.com/qiniu/zerodeploy/internal/deploy/image"
	"github.com/qiniu/zerodeploy/internal/deploy/lock"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/service"
	"github.com/qiniu/zerodeploy/internal/deploy/transport/transporttest"
)

const withAccessory = deploytest.Descriptor + `
accessories:
  db:
    image: mysql:8
    host: 10.0.2.1
    port: 3306
`

func noGit(context.Context, string, ...string) (string, error) {
	return "", assert.AnError
}

func newService(t *testing.T, descriptor string) (*deploytest.Fixture, service.DeployService) {
	t.Helper()
	f := deploytest.New(t, descriptor)
	resolver, err := image.NewResolver(f.Desc.Image, "", "", noGit, f.Clock)
	require.NoError(t, err)
	svc := service.NewDeployService(service.Deps{
		Registry:  f.Registry,
		Resolver:  resolver,
		Store:     f.Store,
		Driver:    f.Driver,
		Proxy:     f.Proxy,
		Orch:      f.Orch,
		Rollback:  f.Rollback,
		Lock:      lock.NewMemory(),
		BootLimit: f.BootLimit,
		Holder:    "alice@laptop",
		Clock:     f.Clock,
	})
	t.Cleanup(func() { svc.Close() })
	return f, svc
}

func TestDeployAndReleases(t *testing.T) {
	f, svc := newService(t, "")
	ctx := context.Background()

	rep, err := svc.Deploy(ctx, &model.DeployParams{Version: "v1", Message: "first"})
	require.NoError(t, err)
	assert.Equal(t, model.RolloutSucceeded, rep.Rollout.Status)
	assert.Equal(t, "first", rep.Rollout.Message)
	assert.Len(t, rep.Rollout.Succeeded, 5)

	f.Clock.Advance(time.Minute)
	_, err = svc.Deploy(ctx, &model.DeployParams{Version: "v2"})
	require.NoError(t, err)

	releases, err := svc.Releases(ctx)
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, "v2", releases[0].Version)
	assert.Equal(t, "registry.example.com/app:v2", releases[0].Image)

	rollouts, err := svc.Rollouts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rollouts, 2)

	// the deploy lock is released afterwards
	info, err := svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRedeployKeepsFirstRelease(t *testing.T) {
	f, svc := newService(t, "")
	ctx := context.Background()

	_, err := svc.Deploy(ctx, &model.DeployParams{Version: "v1"})
	require.NoError(t, err)
	first, err := f.Store.GetRelease(ctx, "v1")
	require.NoError(t, err)

	f.Clock.Advance(time.Hour)
	rep, err := svc.Deploy(ctx, &model.DeployParams{Version: "v1"})
	require.NoError(t, err)
	assert.Equal(t, model.RolloutSucceeded, rep.Rollout.Status)
	assert.Equal(t, 1, f.Count("10.0.0.1", "docker run"))

	again, err := f.Store.GetRelease(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestDeployRefusedWhileLocked(t *testing.T) {
	f, svc := newService(t, "")
	ctx := context.Background()

	held, err := svc.AcquireLock(ctx, "database maintenance")
	require.NoError(t, err)
	assert.Equal(t, "alice@laptop", held.Holder)

	_, err = svc.Deploy(ctx, &model.DeployParams{Version: "v1"})
	require.ErrorIs(t, err, model.ErrLocked)
	assert.Empty(t, f.Docker.Commands())
	releases, err := svc.Releases(ctx)
	require.NoError(t, err)
	assert.Empty(t, releases)

	// a manual lock survives the failed deploy
	info, err := svc.LockStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "database maintenance", info.Message)

	require.NoError(t, svc.ReleaseLock(ctx))
	_, err = svc.Deploy(ctx, &model.DeployParams{Version: "v1"})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.ReleaseLock(ctx), model.ErrNotFound)
}

func TestDeployPlanningErrorsTouchNothing(t *testing.T) {
	tests := []struct {
		name   string
		params model.DeployParams
		err    error
	}{
		{name: "unknown role", params: model.DeployParams{Version: "v1", Roles: []string{"api"}}, err: model.ErrNotFound},
		{name: "accessory role", params: model.DeployParams{Version: "v1", Roles: []string{"db"}}, err: model.ErrInvalidBatchConfig},
		{name: "invalid tag", params: model.DeployParams{Version: "not a tag"}, err: model.ErrInvalidDescriptor},
		{name: "git unavailable", params: model.DeployParams{}, err: assert.AnError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, svc := newService(t, withAccessory)
			_, err := svc.Deploy(context.Background(), &tt.params)
			require.ErrorIs(t, err, tt.err)
			assert.Empty(t, f.Docker.Commands())
			info, err := svc.LockStatus(context.Background())
			require.NoError(t, err)
			assert.Nil(t, info)
		})
	}
}

func TestPlanPreview(t *testing.T) {
	f, svc := newService(t, "")
	plan, err := svc.Plan(context.Background(), &model.DeployParams{Version: "v1"})
	require.NoError(t, err)
	require.Len(t, plan.Batches, 3)
	assert.Equal(t, "web", plan.Batches[0].Role)
	assert.Len(t, plan.Batches[0].Hosts, 2)
	assert.Equal(t, "jobs", plan.Batches[2].Role)
	assert.Equal(t, 5, plan.HostCount())

	assert.Empty(t, f.Docker.Commands())
	releases, err := svc.Releases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, releases)
}

func TestRollbackThroughService(t *testing.T) {
	f, svc := newService(t, "")
	ctx := context.Background()

	_, err := svc.Rollback(ctx, &model.RollbackParams{})
	require.ErrorIs(t, err, model.ErrNoPreviousRelease)

	for _, v := range []string{"v1", "v2"} {
		f.Clock.Advance(time.Minute)
		_, err := svc.Deploy(ctx, &model.DeployParams{Version: v})
		require.NoError(t, err)
	}

	rep, err := svc.Rollback(ctx, &model.RollbackParams{Roles: []string{"web"}, Message: "bad"})
	require.NoError(t, err)
	assert.Equal(t, model.KindRollback, rep.Rollout.Kind)
	assert.Equal(t, "v1", rep.Rollout.Version)
	assert.Equal(t, "v1", f.Record(t, "10.0.0.2", "web").CurrentVersion())
	assert.Equal(t, "v2", f.Record(t, "10.0.1.1", "jobs").CurrentVersion())

	info, err := svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestStatus(t *testing.T) {
	f, svc := newService(t, withAccessory)
	ctx := context.Background()

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Roles, 3)
	assert.Equal(t, model.HealthUnknown, st.Roles[0].Hosts[0].Health)
	assert.Nil(t, st.LastRollout)

	for _, v := range []string{"v1", "v2"} {
		f.Clock.Advance(time.Minute)
		_, err := svc.Deploy(ctx, &model.DeployParams{Version: v})
		require.NoError(t, err)
	}
	_, err = svc.AcquireLock(ctx, "investigating")
	require.NoError(t, err)

	st, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "app", st.Service)
	require.NotNil(t, st.Lock)
	assert.Equal(t, "investigating", st.Lock.Message)
	require.NotNil(t, st.LastRollout)
	assert.Equal(t, "v2", st.LastRollout.Version)

	web := st.Roles[0]
	assert.Equal(t, "web", web.Role)
	require.Len(t, web.Hosts, 4)
	for _, h := range web.Hosts {
		assert.Equal(t, "v2", h.Current)
		assert.Equal(t, "v1", h.Previous)
		assert.Equal(t, model.HealthHealthy, h.Health)
		assert.Equal(t, "app-web-v2:3000", h.Active)
	}

	jobs := st.Roles[1]
	assert.Equal(t, "jobs", jobs.Role)
	assert.Equal(t, "v2", jobs.Hosts[0].Current)
	assert.Empty(t, jobs.Hosts[0].Active)

	db := st.Roles[2]
	assert.Equal(t, model.RoleKindAccessory, db.Kind)
	require.Len(t, db.Hosts, 1)
	assert.Equal(t, "10.0.2.1", db.Hosts[0].Address)
}

func TestLogs(t *testing.T) {
	_, svc := newService(t, "")
	ctx := context.Background()

	logs, err := svc.Logs(ctx, &model.LogsParams{Role: "jobs"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "no release deployed", logs[0].Error)

	_, err = svc.Deploy(ctx, &model.DeployParams{Version: "v1"})
	require.NoError(t, err)

	logs, err = svc.Logs(ctx, &model.LogsParams{Role: "web", Lines: 10})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for i, l := range logs {
		assert.Equal(t, webHosts[i], l.Host)
		assert.Equal(t, "app-web-v1", l.Container)
		assert.Equal(t, "log line from app-web-v1", l.Output)
		assert.Empty(t, l.Error)
	}

	logs, err = svc.Logs(ctx, &model.LogsParams{Host: "10.0.1.1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "jobs", logs[0].Role)

	_, err = svc.Logs(ctx, &model.LogsParams{Host: "10.9.9.9"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

var webHosts = []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

func TestBuild(t *testing.T) {
	desc, err := config.ParseDescriptor([]byte(deploytest.Descriptor), func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Deploy:   config.DeployConfig{LockHolder: "ci"},
	}
	docker := transporttest.NewDocker()

	svc, err := service.Build(context.Background(), cfg, desc, docker)
	require.NoError(t, err)
	defer svc.Close()

	plan, err := svc.Plan(context.Background(), &model.DeployParams{Version: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/app:v1", plan.Release.Image)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Lock)
	assert.Len(t, st.Roles, 2)

	// without redis the deploy lock lives on the first host
	for _, c := range docker.Commands() {
		assert.Equal(t, "10.0.0.1", c.Host)
		assert.Contains(t, c.Cmd, ".zerodeploy/lock-app")
	}
}
