package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/deploytest"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

var webHosts = []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

func TestDeploySucceeds(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	rep := f.MustDeploy(t, "v2")

	assert.Equal(t, model.RolloutSucceeded, rep.Rollout.Status)
	assert.Equal(t, 3, rep.BatchesRun)
	assert.Len(t, rep.Rollout.Succeeded, 5)
	assert.Empty(t, rep.Rollout.RolledBack)
	assert.Empty(t, rep.Rollout.Indeterminate)

	for _, h := range webHosts {
		rec := f.Record(t, h, "web")
		assert.Equal(t, "v2", rec.CurrentVersion(), h)
		assert.Equal(t, "v1", rec.PreviousVersion(), h)
		assert.Equal(t, model.HealthHealthy, rec.Health)
		assert.Equal(t, "app-web-v2:3000", f.Target(h, "web"))

		old, ok := f.Docker.Container(h, f.Container("web", "v1"))
		require.True(t, ok, "old container is kept for rollback")
		assert.False(t, old.Running)

		route, err := f.Proxy.Route(context.Background(), "web", h)
		require.NoError(t, err)
		assert.Empty(t, route.Draining)
	}

	rollouts, err := f.Store.ListRollouts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rollouts, 2)
	assert.Equal(t, "v2", rollouts[0].Version)
	assert.Equal(t, model.RolloutSucceeded, rollouts[0].Status)
	assert.False(t, f.Docker.Interleaved())
}

func TestBatchesAreSequential(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")

	// host 3 must not see v2 before hosts 1 and 2 have been cut over
	var (
		mu    sync.Mutex
		order []string
	)
	f.Docker.FailTransport = func(host, cmd string) bool {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(cmd, "kamal-proxy deploy") || strings.HasPrefix(cmd, "docker pull") {
			order = append(order, host+" "+strings.Fields(cmd)[1])
		}
		return false
	}
	rep := f.MustDeploy(t, "v2", "web")
	require.Len(t, rep.Hosts, 4)

	idx := func(s string) int {
		for i, o := range order {
			if o == s {
				return i
			}
		}
		t.Fatalf("%q not found in %v", s, order)
		return -1
	}
	for _, first := range []string{"10.0.0.1", "10.0.0.2"} {
		for _, second := range []string{"10.0.0.3", "10.0.0.4"} {
			assert.Less(t, idx(first+" exec"), idx(second+" pull"))
		}
	}
}

func TestHealthFailureKeepsOldServing(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	f.Docker.Unhealthy = func(_, container string) bool { return strings.HasSuffix(container, "-v2") }

	rep, err := f.Deploy(t, context.Background(), "v2")
	require.ErrorIs(t, err, model.ErrUnhealthy)
	assert.Equal(t, model.RolloutFailed, rep.Rollout.Status)
	assert.Equal(t, 1, rep.BatchesRun)
	assert.ElementsMatch(t, []string{"web/10.0.0.1", "web/10.0.0.2"}, rep.Rollout.RolledBack)

	for _, h := range webHosts {
		rec := f.Record(t, h, "web")
		assert.Equal(t, "v1", rec.CurrentVersion(), h)
		assert.Equal(t, "app-web-v1:3000", f.Target(h, "web"), "old container still routed on %s", h)
		old, ok := f.Docker.Container(h, f.Container("web", "v1"))
		require.True(t, ok)
		assert.True(t, old.Running)
		_, ok = f.Docker.Container(h, f.Container("web", "v2"))
		assert.False(t, ok, "failed container discarded on %s", h)
	}
	for _, h := range rep.Hosts {
		assert.Equal(t, model.StateRolledBack, h.State)
		assert.Equal(t, 3, h.Attempts)
	}

	// batch 2 never started
	assert.False(t, f.Touched("10.0.0.3", "v2"))
	assert.False(t, f.Touched("10.0.0.4", "v2"))
	assert.False(t, f.Touched("10.0.1.1", "v2"))
}

func TestOneOfTwoFailsKeepsSibling(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	f.Docker.Unhealthy = func(host, container string) bool {
		return host == "10.0.0.2" && strings.HasSuffix(container, "-v2")
	}

	rep, err := f.Deploy(t, context.Background(), "v2")
	require.ErrorIs(t, err, model.ErrUnhealthy)
	require.Len(t, rep.Hosts, 2)
	assert.Equal(t, model.StateStopped, rep.Hosts[0].State)
	assert.Equal(t, model.StateRolledBack, rep.Hosts[1].State)
	assert.Equal(t, []string{"web/10.0.0.1"}, rep.Rollout.Succeeded)
	assert.Equal(t, []string{"web/10.0.0.2"}, rep.Rollout.RolledBack)

	assert.Equal(t, "v2", f.Record(t, "10.0.0.1", "web").CurrentVersion())
	assert.Equal(t, "app-web-v2:3000", f.Target("10.0.0.1", "web"))
	assert.Equal(t, "v1", f.Record(t, "10.0.0.2", "web").CurrentVersion())
	assert.Equal(t, "app-web-v1:3000", f.Target("10.0.0.2", "web"))

	assert.False(t, f.Touched("10.0.0.3", "v2"))
}

func TestTransportExhaustionAborts(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	f.Docker.FailTransport = func(host, cmd string) bool {
		return host == "10.0.0.1" && strings.HasPrefix(cmd, "docker pull")
	}

	rep, err := f.Deploy(t, context.Background(), "v2")
	require.ErrorIs(t, err, model.ErrAborted)
	assert.Equal(t, model.RolloutAborted, rep.Rollout.Status)
	assert.Equal(t, []string{"web/10.0.0.1"}, rep.Rollout.Indeterminate)
	assert.Equal(t, []string{"web/10.0.0.2"}, rep.Rollout.Succeeded, "sibling is not aborted")
	assert.Contains(t, rep.Summary(), "check manually: web/10.0.0.1")

	require.Len(t, rep.Hosts, 2)
	assert.Equal(t, model.StateIndeterminate, rep.Hosts[0].State)
	assert.Equal(t, 2, rep.Hosts[0].Retries)
	assert.Equal(t, 3, f.Count("10.0.0.1", "docker pull"))

	assert.Equal(t, "v1", f.Record(t, "10.0.0.1", "web").CurrentVersion())
	assert.False(t, f.Touched("10.0.0.3", "v2"))
}

func TestCutoverTransportErrorRetried(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1", "web")
	var failures atomic.Int32
	f.Docker.FailTransport = func(host, cmd string) bool {
		return host == "10.0.0.1" && strings.Contains(cmd, "kamal-proxy deploy") && failures.Add(1) == 1
	}
	runs := f.Count("10.0.0.1", "docker run")

	rep := f.MustDeploy(t, "v2", "web")
	require.Len(t, rep.Hosts, 4)
	assert.Equal(t, model.StateStopped, rep.Hosts[0].State)
	assert.Equal(t, 1, rep.Hosts[0].Retries)
	assert.Equal(t, runs+1, f.Count("10.0.0.1", "docker run"), "the container is not started again")
	assert.Equal(t, "app-web-v2:3000", f.Target("10.0.0.1", "web"))
	assert.Equal(t, "v2", f.Record(t, "10.0.0.1", "web").CurrentVersion())
}

func TestTransportErrorRecoversOnRetry(t *testing.T) {
	f := deploytest.New(t, "")
	var failures atomic.Int32
	f.Docker.FailTransport = func(host, cmd string) bool {
		return host == "10.0.0.1" && strings.HasPrefix(cmd, "docker pull") && failures.Add(1) == 1
	}

	rep := f.MustDeploy(t, "v1", "web")
	assert.Equal(t, 1, rep.Hosts[0].Retries)
	assert.Equal(t, "v1", f.Record(t, "10.0.0.1", "web").CurrentVersion())
}

func TestCancelHonouredAtBatchBoundary(t *testing.T) {
	f := deploytest.New(t, strings.Replace(deploytest.Descriptor, "  limit: 2\n", "  limit: 2\n  wait: 5s\n", 1))
	f.MustDeploy(t, "v1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Docker.FailTransport = func(host, cmd string) bool {
		if host == "10.0.0.1" && strings.HasPrefix(cmd, "docker pull") {
			cancel()
		}
		return false
	}

	rep, err := f.Deploy(t, ctx, "v2")
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, model.ErrAborted)
	assert.Equal(t, model.RolloutCancelled, rep.Rollout.Status)
	assert.Equal(t, 1, rep.BatchesRun)

	// the batch in flight completed
	for _, h := range []string{"10.0.0.1", "10.0.0.2"} {
		assert.Equal(t, "v2", f.Record(t, h, "web").CurrentVersion())
		assert.Equal(t, "app-web-v2:3000", f.Target(h, "web"))
	}
	assert.False(t, f.Touched("10.0.0.3", "v2"))
}

func TestBootWaitBetweenBatches(t *testing.T) {
	f := deploytest.New(t, strings.Replace(deploytest.Descriptor, "  limit: 2\n", "  limit: 2\n  wait: 5s\n", 1))
	f.MustDeploy(t, "v1")

	var waits int
	for _, d := range f.Clock.Sleeps() {
		if d == 5*time.Second {
			waits++
		}
	}
	assert.Equal(t, 2, waits, "three batches, two pauses")
}

func TestRerunIsIdempotent(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	f.MustDeploy(t, "v2")
	runs := f.Count("10.0.0.1", "docker run")
	proxies := f.Count("10.0.0.1", "docker exec kamal-proxy")

	rep := f.MustDeploy(t, "v2")
	for _, h := range rep.Hosts {
		assert.Equal(t, model.StateStopped, h.State)
		assert.Equal(t, "v2", h.From)
	}
	assert.Equal(t, runs, f.Count("10.0.0.1", "docker run"))
	assert.Equal(t, proxies, f.Count("10.0.0.1", "docker exec kamal-proxy"))
	assert.Equal(t, "v1", f.Record(t, "10.0.0.1", "web").PreviousVersion())
}

func TestRerunResumesPartialRollout(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1")
	f.Docker.Unhealthy = func(host, container string) bool {
		return host == "10.0.0.2" && strings.HasSuffix(container, "-v2")
	}
	_, err := f.Deploy(t, context.Background(), "v2")
	require.Error(t, err)

	f.Docker.Unhealthy = nil
	rep := f.MustDeploy(t, "v2")
	assert.Len(t, rep.Rollout.Succeeded, 5)
	for _, h := range webHosts {
		assert.Equal(t, "v2", f.Record(t, h, "web").CurrentVersion())
		assert.Equal(t, "v1", f.Record(t, h, "web").PreviousVersion())
	}
}

func TestWorkerSkipsCutover(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1", "jobs")
	f.MustDeploy(t, "v2", "jobs")

	const host = "10.0.1.1"
	assert.Zero(t, f.Count(host, "docker exec kamal-proxy"))
	assert.Empty(t, f.Target(host, "jobs"))

	old, ok := f.Docker.Container(host, f.Container("jobs", "v1"))
	require.True(t, ok)
	assert.False(t, old.Running)
	cur, ok := f.Docker.Container(host, f.Container("jobs", "v2"))
	require.True(t, ok)
	assert.True(t, cur.Running)
	assert.Equal(t, "v2", f.Record(t, host, "jobs").CurrentVersion())

	for _, cmd := range f.Docker.CommandsFor(host) {
		assert.NotContains(t, cmd, "curl")
	}
}

func TestProxyRefusalRollsBack(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1", "web")
	f.Docker.ProxyRefuses = func(host, target string) bool {
		return host == "10.0.0.1" && strings.HasPrefix(target, "app-web-v2")
	}

	rep, err := f.Deploy(t, context.Background(), "v2", "web")
	require.ErrorIs(t, err, model.ErrUnhealthy)
	assert.Equal(t, model.StateRolledBack, rep.Hosts[0].State)
	assert.Equal(t, model.StateStopped, rep.Hosts[1].State)

	rec := f.Record(t, "10.0.0.1", "web")
	assert.Equal(t, "v1", rec.CurrentVersion())
	assert.Equal(t, model.HealthUnhealthy, rec.Health)
	assert.Equal(t, "app-web-v1:3000", f.Target("10.0.0.1", "web"))
	_, ok := f.Docker.Container("10.0.0.1", f.Container("web", "v2"))
	assert.False(t, ok)
}

func TestRerunFinishesInterruptedDrain(t *testing.T) {
	f := deploytest.New(t, "")
	f.MustDeploy(t, "v1", "web")
	ctx := context.Background()

	// switch one host by hand and stop before the drain completes
	const addr = "10.0.0.1"
	host, ok := f.Registry.Host(addr)
	require.True(t, ok)
	role, ok := f.Registry.Role("web")
	require.True(t, ok)
	v2 := f.Release(t, "v2")
	res := f.Driver.Transition(ctx, host, role, f.Record(t, addr, "web").Current, v2)
	require.Equal(t, model.OutcomeHealthy, res.Outcome)
	_, err := f.Proxy.Cutover(ctx, host, "web", res.Endpoint)
	require.NoError(t, err)
	route, err := f.Proxy.Route(ctx, "web", addr)
	require.NoError(t, err)
	require.Len(t, route.Draining, 1)
	runs := f.Count(addr, "docker run")

	rep := f.MustDeploy(t, "v2", "web")
	assert.Equal(t, model.StateStopped, rep.Hosts[0].State)
	assert.Equal(t, runs, f.Count(addr, "docker run"))

	route, err = f.Proxy.Route(ctx, "web", addr)
	require.NoError(t, err)
	assert.Empty(t, route.Draining)
	old, ok := f.Docker.Container(addr, f.Container("web", "v1"))
	require.True(t, ok)
	assert.False(t, old.Running)
	assert.Equal(t, "app-web-v2:3000", f.Target(addr, "web"))
}
