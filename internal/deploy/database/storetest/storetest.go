// Package storetest provides contract tests for [database.Store] implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Factory creates a fresh, empty store for each subtest.
type Factory func(t *testing.T) database.Store

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func release(v string, offset time.Duration) model.Release {
	return model.Release{Version: v, Image: "registry.example.com/org/app:" + v, CreatedAt: base.Add(offset)}
}

// Run exercises the Store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("RecordNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetRecord(context.Background(), "10.0.0.1", "web")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("RecordPutGetOverwrite", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		v1, v2 := release("v1", 0), release("v2", time.Minute)

		rec := model.ContainerRecord{Host: "10.0.0.1", Role: "web", Current: &v1, Health: model.HealthHealthy, UpdatedAt: base}
		require.NoError(t, s.PutRecord(ctx, rec))

		got, err := s.GetRecord(ctx, "10.0.0.1", "web")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
		assert.Nil(t, got.Previous)

		rec = model.ContainerRecord{Host: "10.0.0.1", Role: "web", Current: &v2, Previous: &v1, Health: model.HealthHealthy, UpdatedAt: base.Add(time.Minute)}
		require.NoError(t, s.PutRecord(ctx, rec))
		got, err = s.GetRecord(ctx, "10.0.0.1", "web")
		require.NoError(t, err)
		assert.Equal(t, "v2", got.CurrentVersion())
		assert.Equal(t, "v1", got.PreviousVersion())
		assert.Equal(t, base.Add(time.Minute), got.UpdatedAt)
	})

	t.Run("RecordIsolation", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		v1 := release("v1", 0)
		rec := model.ContainerRecord{Host: "10.0.0.1", Role: "web", Current: &v1, Health: model.HealthHealthy, UpdatedAt: base}
		require.NoError(t, s.PutRecord(ctx, rec))

		// mutating the caller's copy must not leak into the store
		rec.Current.Version = "mutated"
		got, err := s.GetRecord(ctx, "10.0.0.1", "web")
		require.NoError(t, err)
		assert.Equal(t, "v1", got.CurrentVersion())
	})

	t.Run("ListRecordsOrdered", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for _, k := range [][2]string{{"10.0.0.2", "web"}, {"10.0.0.1", "worker"}, {"10.0.0.1", "web"}} {
			require.NoError(t, s.PutRecord(ctx, model.ContainerRecord{Host: k[0], Role: k[1], Health: model.HealthUnknown, UpdatedAt: base}))
		}
		recs, err := s.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "web", recs[0].Role)
		assert.Equal(t, "10.0.0.1", recs[0].Host)
		assert.Equal(t, "10.0.0.2", recs[1].Host)
		assert.Equal(t, "worker", recs[2].Role)
	})

	t.Run("ReleasesAreImmutable", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		v1 := release("v1", 0)

		saved, err := s.SaveRelease(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, v1, saved)

		again := v1
		again.CreatedAt = base.Add(time.Hour)
		saved, err = s.SaveRelease(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, v1.CreatedAt, saved.CreatedAt, "existing release must not be rewritten")

		clash := v1
		clash.Image = "registry.example.com/org/other:v1"
		_, err = s.SaveRelease(ctx, clash)
		assert.ErrorIs(t, err, model.ErrAlreadyExists)

		_, err = s.GetRelease(ctx, "v9")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("ListReleasesNewestFirst", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for i, v := range []string{"v1", "v2", "v3"} {
			_, err := s.SaveRelease(ctx, release(v, time.Duration(i)*time.Hour))
			require.NoError(t, err)
		}
		rels, err := s.ListReleases(ctx)
		require.NoError(t, err)
		require.Len(t, rels, 3)
		assert.Equal(t, "v3", rels[0].Version)
		assert.Equal(t, "v1", rels[2].Version)
	})

	t.Run("Rollouts", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		first := model.RolloutRecord{
			ID: "r1", Kind: model.KindDeploy, Version: "v1", Status: model.RolloutRunning,
			StartedAt: base,
		}
		require.NoError(t, s.SaveRollout(ctx, first))

		first.Status = model.RolloutFailed
		first.FinishedAt = base.Add(90 * time.Second)
		first.Duration = 90 * time.Second
		first.Succeeded = []string{"web/10.0.0.1"}
		first.RolledBack = []string{"web/10.0.0.2"}
		first.Message = "health check failed on 10.0.0.2"
		require.NoError(t, s.SaveRollout(ctx, first))

		second := model.RolloutRecord{
			ID: "r2", Kind: model.KindRollback, Version: "v0", Status: model.RolloutSucceeded,
			StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + 26*time.Hour),
			Duration: 26 * time.Hour, Succeeded: []string{"web/10.0.0.1", "web/10.0.0.2"},
		}
		require.NoError(t, s.SaveRollout(ctx, second))

		all, err := s.ListRollouts(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "r2", all[0].ID)
		assert.Equal(t, 26*time.Hour, all[0].Duration)
		assert.Equal(t, first, all[1])

		last, err := s.ListRollouts(ctx, 1)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, "r2", last[0].ID)
	})
}
