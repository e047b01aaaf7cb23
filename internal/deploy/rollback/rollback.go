// Package rollback restores a previous known-good release through the same
// per-host state machine as a deploy.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/planner"
	"github.com/qiniu/zerodeploy/internal/deploy/registry"
)

// Controller 回滚控制器
type Controller struct {
	registry *registry.Registry
	store    database.Store
	orch     *orchestrator.Orchestrator
	limit    model.BatchSize
}

// New creates a controller. limit is the rollback batch size; the zero value
// rolls every affected host of a role back in one batch.
func New(reg *registry.Registry, store database.Store, orch *orchestrator.Orchestrator, limit model.BatchSize) *Controller {
	if limit == (model.BatchSize{}) {
		limit = model.BatchSize{Percent: 100}
	}
	return &Controller{registry: reg, store: store, orch: orch, limit: limit}
}

// RollbackHost moves one host back to the previous release in its record.
func (c *Controller) RollbackHost(ctx context.Context, host model.Host, role string) (orchestrator.HostReport, error) {
	r, ok := c.registry.Role(role)
	if !ok || !r.Rollable() {
		return orchestrator.HostReport{}, fmt.Errorf("role %q: %w", role, model.ErrNotFound)
	}
	rec, err := c.store.GetRecord(ctx, host.Address, role)
	if err != nil {
		return orchestrator.HostReport{}, err
	}
	if rec.Previous == nil {
		return orchestrator.HostReport{}, fmt.Errorf("%w for %s", model.ErrNoPreviousRelease, model.RouteKey(role, host.Address))
	}
	rep := c.orch.RunHost(ctx, r, host, *rec.Previous)
	if rep.State != model.StateStopped {
		return rep, fmt.Errorf("rollback of %s ended %s: %s", rep.Key(), rep.State, rep.Error)
	}
	return rep, nil
}

// Target picks the release to roll back to. An empty version means the
// previous release recorded on the selected hosts, which must agree.
func (c *Controller) Target(ctx context.Context, version string, roles []string) (model.Release, error) {
	if version != "" {
		rel, err := c.store.GetRelease(ctx, version)
		if errors.Is(err, model.ErrNotFound) {
			return model.Release{}, fmt.Errorf("release %s was never deployed: %w", version, model.ErrNotFound)
		}
		return rel, err
	}

	candidates := make(map[string]model.Release)
	for _, role := range roles {
		for _, h := range c.registry.HostsFor(role) {
			rec, err := c.store.GetRecord(ctx, h.Address, role)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return model.Release{}, err
			}
			if rec.Previous != nil {
				candidates[rec.Previous.Version] = *rec.Previous
			}
		}
	}
	switch len(candidates) {
	case 0:
		return model.Release{}, model.ErrNoPreviousRelease
	case 1:
		for _, rel := range candidates {
			return rel, nil
		}
	}
	versions := make([]string, 0, len(candidates))
	for v := range candidates {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return model.Release{}, fmt.Errorf("%w agreed on by all hosts (%s), pass a version",
		model.ErrNoPreviousRelease, strings.Join(versions, ", "))
}

// Plan builds the rollback plan to version for roles (all rollable roles when empty).
func (c *Controller) Plan(ctx context.Context, version string, roles []string) (model.RolloutPlan, error) {
	selected, err := c.registry.Select(roles)
	if err != nil {
		return model.RolloutPlan{}, err
	}
	target, err := c.Target(ctx, version, selected)
	if err != nil {
		return model.RolloutPlan{}, err
	}
	return planner.Plan(c.registry.Hosts(), selected, c.limit, target)
}

// Rollback rolls the selected roles back to version. Hosts already at that
// release are left alone.
func (c *Controller) Rollback(ctx context.Context, version string, roles []string, message string) (orchestrator.Report, error) {
	plan, err := c.Plan(ctx, version, roles)
	if err != nil {
		return orchestrator.Report{}, err
	}
	log.Info().Str("version", plan.Release.Version).Int("batches", len(plan.Batches)).Msg("rolling back")
	return c.orch.Run(ctx, plan, model.KindRollback, message)
}
