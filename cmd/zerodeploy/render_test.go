package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
)

func TestRenderReport(t *testing.T) {
	rep := &orchestrator.Report{
		Rollout: model.RolloutRecord{
			ID:         "r1",
			Kind:       model.KindDeploy,
			Version:    "v2",
			Status:     model.RolloutFailed,
			RolledBack: []string{"web/10.0.0.2"},
			Succeeded:  []string{"web/10.0.0.1"},
		},
		Hosts: []orchestrator.HostReport{
			{Batch: 0, Role: "web", Host: "10.0.0.1", From: "v1", To: "v2", State: model.StateStopped, Attempts: 1},
			{Batch: 1, Role: "web", Host: "10.0.0.2", From: "v1", To: "v2", State: model.StateRolledBack, Attempts: 3, Error: "health check failed"},
		},
		BatchesRun:   2,
		BatchesTotal: 3,
	}

	var buf bytes.Buffer
	renderReport(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "deploy v2 failed: 1 succeeded, 1 rolled back, 0 indeterminate, 2/3 batches")
	assert.Contains(t, out, "10.0.0.2")
	assert.Contains(t, out, "rolled_back")
	assert.Contains(t, out, "health check failed")
	assert.Contains(t, out, "BATCH")
}

func TestRenderPlan(t *testing.T) {
	plan := model.RolloutPlan{
		Release: model.Release{Version: "v1", Image: "registry.example.com/app:v1"},
		Batches: []model.Batch{
			{Index: 0, Role: "web", Hosts: []model.Host{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}},
			{Index: 1, Role: "jobs", Hosts: []model.Host{{Address: "10.0.1.1"}}},
		},
	}

	var buf bytes.Buffer
	renderPlan(&buf, plan)
	out := buf.String()
	assert.Contains(t, out, "Release v1 (registry.example.com/app:v1)")
	assert.Contains(t, out, "10.0.0.1, 10.0.0.2")
	assert.Contains(t, out, "2 batches, 3 hosts")
}

func TestRenderStatus(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	st := &model.StatusReport{
		Service: "app",
		Lock:    &model.LockInfo{Holder: "alice@laptop", Message: "db migration", AcquiredAt: at},
		Roles: []model.RoleStatus{{
			Role: "web",
			Kind: model.RoleKindService,
			Hosts: []model.HostStatus{{
				Address:  "10.0.0.1",
				Current:  "v2",
				Health:   model.HealthHealthy,
				Active:   "app-web-v2",
				Draining: []model.DrainingEndpoint{{Endpoint: model.Endpoint{Container: "app-web-v1"}, Until: at}},
			}},
		}},
	}

	var buf bytes.Buffer
	renderStatus(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "Service app")
	assert.Contains(t, out, "Locked by alice@laptop since 2026-10-01T12:00:00Z: db migration")
	assert.Contains(t, out, "app-web-v1")
	assert.Contains(t, out, "healthy")
}

func TestRenderLogsAndLock(t *testing.T) {
	var buf bytes.Buffer
	renderLogs(&buf, []model.HostLogs{
		{Host: "10.0.0.1", Role: "web", Container: "app-web-v1", Output: "listening on :3000\n"},
		{Host: "10.0.0.2", Role: "web", Error: "no container"},
	})
	assert.Contains(t, buf.String(), "web/10.0.0.1 app-web-v1")
	assert.Contains(t, buf.String(), "listening on :3000")
	assert.Contains(t, buf.String(), "no container")

	buf.Reset()
	renderLock(&buf, nil)
	assert.Contains(t, buf.String(), "Deploy lock is free")
}

func TestPrintJSON(t *testing.T) {
	opts := &rootOpts{jsonOutput: true}
	var buf bytes.Buffer
	called := false
	require.NoError(t, opts.print(&buf, model.Release{Version: "v1"}, func(io.Writer) { called = true }))
	assert.False(t, called)

	var got model.Release
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "v1", got.Version)
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"deploy"}, {"rollback"}, {"plan"}, {"status"}, {"logs"},
		{"releases"}, {"rollouts"}, {"lock", "acquire"}, {"lock", "release"}, {"lock", "status"}, {"serve"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	deploy, _, err := root.Find([]string{"deploy"})
	require.NoError(t, err)
	for _, flag := range []string{"version", "roles", "message"} {
		assert.NotNil(t, deploy.Flags().Lookup(flag), flag)
	}
}
