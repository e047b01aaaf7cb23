// Package orchestrator runs a rollout plan: batches one after another, the
// hosts of a batch concurrently, each host through the per-host state machine
//
//	Pending → Pulling → Starting → HealthChecking → CuttingOver → Draining → Stopped
//	                                              ↘ RollingBack → RolledBack
//
// A host that cannot be brought to a known state ends Indeterminate and aborts
// the rollout. Batch N+1 starts only after every host of batch N is terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/lifecycle"
	"github.com/qiniu/zerodeploy/internal/deploy/metrics"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/proxy"
	"github.com/qiniu/zerodeploy/internal/deploy/retry"
	"github.com/qiniu/zerodeploy/internal/telemetry"
)

// RoleSource looks up role definitions, usually a *registry.Registry.
type RoleSource interface {
	Role(name string) (model.Role, bool)
}

// Config of an Orchestrator.
type Config struct {
	BootWait         time.Duration // pause between batches
	TransportRetries int           // whole-transition retries after a transport error
	RetryInterval    time.Duration // first pause before a transport retry, doubled each time
	MaxConcurrent    int           // concurrent host transitions within a batch, 0 is unbounded
}

type Orchestrator struct {
	cfg    Config
	roles  RoleSource
	driver *lifecycle.Driver
	proxy  *proxy.Reconciler
	store  database.Store
	clock  clock.Clock
}

func New(cfg Config, roles RoleSource, driver *lifecycle.Driver, rec *proxy.Reconciler, store database.Store, clk clock.Clock) *Orchestrator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Orchestrator{cfg: cfg, roles: roles, driver: driver, proxy: rec, store: store, clock: clk}
}

// Run executes plan. Cancelling ctx stops the rollout at the next batch
// boundary; the batch in flight always runs to completion. The returned error
// is Report.Err().
func (o *Orchestrator) Run(ctx context.Context, plan model.RolloutPlan, kind model.RolloutKind, message string) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rollout")
	defer span.End()
	span.SetAttributes(
		attribute.String("rollout.kind", string(kind)),
		attribute.String("release.version", plan.Release.Version),
		attribute.Int("rollout.batches", len(plan.Batches)),
	)

	report := Report{
		Rollout: model.RolloutRecord{
			ID:        uuid.NewString(),
			Kind:      kind,
			Version:   plan.Release.Version,
			Status:    model.RolloutRunning,
			StartedAt: o.clock.Now(),
			Message:   message,
		},
		BatchesTotal: len(plan.Batches),
	}
	if err := o.store.SaveRollout(ctx, report.Rollout); err != nil {
		return report, fmt.Errorf("failed to record rollout: %w", err)
	}
	log.Info().Str("rollout", report.Rollout.ID).Str("kind", string(kind)).Str("version", plan.Release.Version).
		Int("batches", len(plan.Batches)).Int("hosts", plan.HostCount()).Msg("rollout started")

	status := model.RolloutSucceeded
	for i, batch := range plan.Batches {
		if i > 0 && o.cfg.BootWait > 0 {
			log.Info().Dur("wait", o.cfg.BootWait).Int("next_batch", batch.Index).Msg("waiting before next batch")
			if err := o.clock.Sleep(ctx, o.cfg.BootWait); err != nil {
				status = model.RolloutCancelled
				break
			}
		}
		if ctx.Err() != nil {
			status = model.RolloutCancelled
			break
		}

		hosts := o.runBatch(context.WithoutCancel(ctx), batch)
		report.BatchesRun++
		report.Hosts = append(report.Hosts, hosts...)

		if s := batchStatus(hosts); s != model.RolloutSucceeded {
			status = s
			break
		}
	}

	o.finish(ctx, &report, status)
	if status != model.RolloutSucceeded {
		span.SetStatus(codes.Error, string(status))
	}
	return report, report.Err()
}

// batchStatus: any indeterminate host aborts, any rolled back host fails the rollout.
func batchStatus(hosts []HostReport) model.RolloutStatus {
	status := model.RolloutSucceeded
	for _, h := range hosts {
		switch h.State {
		case model.StateIndeterminate:
			return model.RolloutAborted
		case model.StateRolledBack:
			status = model.RolloutFailed
		}
	}
	return status
}

func (o *Orchestrator) finish(ctx context.Context, report *Report, status model.RolloutStatus) {
	rec := &report.Rollout
	rec.Status = status
	rec.FinishedAt = o.clock.Now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	for _, h := range report.Hosts {
		switch h.State {
		case model.StateStopped:
			rec.Succeeded = append(rec.Succeeded, h.Key())
		case model.StateRolledBack:
			rec.RolledBack = append(rec.RolledBack, h.Key())
		default:
			rec.Indeterminate = append(rec.Indeterminate, h.Key())
		}
	}

	if err := o.store.SaveRollout(context.WithoutCancel(ctx), *rec); err != nil {
		log.Error().Err(err).Str("rollout", rec.ID).Msg("failed to record rollout result")
	}
	metrics.RolloutsTotal.WithLabelValues(string(rec.Kind), string(status)).Inc()
	metrics.RolloutDuration.WithLabelValues(string(rec.Kind)).Observe(rec.Duration.Seconds())

	ev := log.Info()
	if status != model.RolloutSucceeded {
		ev = log.Warn()
	}
	ev.Str("rollout", rec.ID).Str("status", string(status)).Dur("took", rec.Duration).Msg(report.Summary())
}

func (o *Orchestrator) runBatch(ctx context.Context, batch model.Batch) []HostReport {
	ctx, span := telemetry.Tracer().Start(ctx, "batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.index", batch.Index), attribute.String("batch.role", batch.Role),
		attribute.Int("batch.hosts", len(batch.Hosts)))
	metrics.BatchesTotal.WithLabelValues(batch.Role).Inc()

	log.Info().Int("batch", batch.Index).Str("role", batch.Role).Int("hosts", len(batch.Hosts)).Msg("batch started")

	reports := make([]HostReport, len(batch.Hosts))
	role, ok := o.roles.Role(batch.Role)
	if !ok {
		for i, h := range batch.Hosts {
			reports[i] = HostReport{Batch: batch.Index, Role: batch.Role, Host: h.Address, To: batch.Target.Version,
				State: model.StateIndeterminate, Error: "unknown role"}
		}
		return reports
	}

	var g errgroup.Group
	if o.cfg.MaxConcurrent > 0 {
		g.SetLimit(o.cfg.MaxConcurrent)
	}
	for i, host := range batch.Hosts {
		g.Go(func() error {
			reports[i] = o.RunHost(ctx, role, host, batch.Target)
			reports[i].Batch = batch.Index
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// hostRun carries one host through the state machine.
type hostRun struct {
	o      *Orchestrator
	role   model.Role
	host   model.Host
	target model.Release
	prior  model.ContainerRecord
	start  time.Time
	report HostReport
}

func (r *hostRun) set(state model.HostState) {
	r.report.State = state
	log.Debug().Str("host", r.host.Address).Str("role", r.role.Name).Str("state", string(state)).Msg("host state")
}

func (r *hostRun) end(state model.HostState, err error) HostReport {
	r.set(state)
	if err != nil {
		r.report.Error = err.Error()
	}
	metrics.HostTransitionsTotal.WithLabelValues(r.role.Name, string(state)).Inc()
	metrics.TransitionDuration.WithLabelValues(r.role.Name).Observe(r.o.clock.Now().Sub(r.start).Seconds())

	ev := log.Info()
	if state != model.StateStopped {
		ev = log.Warn().Err(err)
	}
	ev.Str("host", r.host.Address).Str("role", r.role.Name).Str("version", r.target.Version).
		Str("state", string(state)).Msg("host finished")
	return r.report
}

// RunHost moves one host of role to target and returns once it is terminal.
func (o *Orchestrator) RunHost(ctx context.Context, role model.Role, host model.Host, target model.Release) HostReport {
	ctx, span := telemetry.Tracer().Start(ctx, "transition")
	defer span.End()
	span.SetAttributes(attribute.String("host", host.Address), attribute.String("role", role.Name),
		attribute.String("release.version", target.Version))

	r := &hostRun{
		o: o, role: role, host: host, target: target, start: o.clock.Now(),
		report: HostReport{Role: role.Name, Host: host.Address, To: target.Version, State: model.StatePending},
	}
	rep := r.run(ctx)
	if rep.State != model.StateStopped {
		span.SetStatus(codes.Error, rep.Error)
	}
	return rep
}

func (r *hostRun) run(ctx context.Context) HostReport {
	o := r.o
	prior, err := o.store.GetRecord(ctx, r.host.Address, r.role.Name)
	switch {
	case errors.Is(err, model.ErrNotFound):
		prior = model.ContainerRecord{Host: r.host.Address, Role: r.role.Name, Health: model.HealthUnknown}
	case err != nil:
		return r.end(model.StateIndeterminate, fmt.Errorf("failed to read container record: %w", err))
	}
	r.prior = prior
	r.report.From = prior.CurrentVersion()
	from := prior.Current
	container := o.driver.ContainerName(r.role.Name, r.target.Version)

	if route, ok := r.done(ctx, container); ok {
		log.Info().Str("host", r.host.Address).Str("role", r.role.Name).Str("version", r.target.Version).
			Msg("already at target release")
		if len(route.Draining) > 0 {
			// an earlier run stopped between cutover and the end of the drain
			r.set(model.StateDraining)
			if err := r.awaitDrain(ctx, route); err != nil {
				return r.end(model.StateIndeterminate, err)
			}
		}
		return r.end(model.StateStopped, nil)
	}

	res := r.transition(ctx, from)
	switch res.Outcome {
	case model.OutcomeTransportError:
		return r.end(model.StateIndeterminate, res.Err)
	case model.OutcomeUnhealthy:
		return r.rollback(ctx, res.Container, res.Err)
	}

	if !r.role.Proxy {
		// no traffic to shift; the old container goes as soon as the new one is healthy
		r.set(model.StateDraining)
		if from != nil && from.Version != r.target.Version {
			if err := o.driver.StopOld(ctx, r.host, o.driver.ContainerName(r.role.Name, from.Version)); err != nil {
				log.Warn().Err(err).Str("host", r.host.Address).Msg("failed to stop old container")
			}
		}
		return r.end(model.StateStopped, nil)
	}

	r.set(model.StateCuttingOver)
	if err := r.cutover(ctx, res.Endpoint); err != nil {
		if errors.Is(err, model.ErrUnhealthy) {
			if rerr := o.driver.Revert(ctx, r.prior); rerr != nil {
				return r.end(model.StateIndeterminate, fmt.Errorf("%w; restoring record: %w", err, rerr))
			}
			return r.rollback(ctx, res.Container, err)
		}
		// route conflict or lost connection: the route may or may not have switched
		return r.end(model.StateIndeterminate, err)
	}

	r.set(model.StateDraining)
	if err := o.clock.Sleep(ctx, o.proxy.Drain()); err != nil {
		return r.end(model.StateIndeterminate, fmt.Errorf("drain interrupted: %w", err))
	}
	if err := r.stopDrained(ctx); err != nil {
		return r.end(model.StateIndeterminate, err)
	}
	return r.end(model.StateStopped, nil)
}

// done reports whether an earlier run already switched this host: the record
// is healthy at target and, for proxied roles, the route points at it. The
// returned route may still hold endpoints that were never drained.
func (r *hostRun) done(ctx context.Context, container string) (model.ProxyRoute, bool) {
	if r.prior.CurrentVersion() != r.target.Version || r.prior.Health != model.HealthHealthy {
		return model.ProxyRoute{}, false
	}
	if !r.role.Proxy {
		return model.ProxyRoute{}, true
	}
	route, err := r.o.proxy.Route(ctx, r.role.Name, r.host.Address)
	return route, err == nil && route.Active.Container == container
}

// awaitDrain waits out the remaining grace period of route's draining
// endpoints, then stops them.
func (r *hostRun) awaitDrain(ctx context.Context, route model.ProxyRoute) error {
	var until time.Time
	for _, d := range route.Draining {
		if d.Until.After(until) {
			until = d.Until
		}
	}
	if wait := until.Sub(r.o.clock.Now()); wait > 0 {
		if err := r.o.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("drain interrupted: %w", err)
		}
	}
	return r.stopDrained(ctx)
}

// stopDrained removes expired draining endpoints from the route and stops
// their containers.
func (r *hostRun) stopDrained(ctx context.Context) error {
	drained, err := r.o.proxy.FinishDrain(ctx, r.host, r.role.Name)
	if err != nil {
		return err
	}
	for _, ep := range drained {
		if err := r.o.driver.StopOld(ctx, r.host, ep.Container); err != nil {
			log.Warn().Err(err).Str("host", r.host.Address).Str("container", ep.Container).Msg("failed to stop drained container")
		}
	}
	return nil
}

// transition runs the lifecycle driver, retrying the whole transition after
// transport errors.
func (r *hostRun) transition(ctx context.Context, from *model.Release) lifecycle.Result {
	o := r.o
	var res lifecycle.Result
	_ = retry.Do(ctx, o.transportPolicy(), o.clock, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			metrics.TransportRetriesTotal.Inc()
			r.report.Retries = attempt - 1
			log.Warn().Err(res.Err).Str("host", r.host.Address).Int("attempt", attempt).Msg("retrying transition after transport error")
		}
		res = o.driver.TransitionObserved(ctx, r.host, r.role, from, r.target, r.set)
		r.report.Attempts = res.Attempts
		if res.Outcome == model.OutcomeTransportError {
			return res.Err
		}
		return nil
	})
	return res
}

// cutover switches the route to ep, retrying after transport errors. The
// proxy is told before the route table is written, so a retry re-sends the
// same switch.
func (r *hostRun) cutover(ctx context.Context, ep model.Endpoint) error {
	o := r.o
	var err error
	_ = retry.Do(ctx, o.transportPolicy(), o.clock, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			metrics.TransportRetriesTotal.Inc()
			r.report.Retries++
			log.Warn().Err(err).Str("host", r.host.Address).Int("attempt", attempt).Msg("retrying cutover after transport error")
		}
		_, err = o.proxy.Cutover(ctx, r.host, r.role.Name, ep)
		if errors.Is(err, model.ErrTransport) {
			return err
		}
		return nil
	})
	return err
}

func (o *Orchestrator) transportPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     o.cfg.TransportRetries + 1,
		InitialInterval: o.cfg.RetryInterval,
		MaxInterval:     8 * o.cfg.RetryInterval,
	}
}

// rollback discards a container that never took traffic. The old release is
// still current and still routed.
func (r *hostRun) rollback(ctx context.Context, container string, cause error) HostReport {
	r.set(model.StateRollingBack)
	if r.prior.CurrentVersion() == r.target.Version {
		return r.end(model.StateIndeterminate, fmt.Errorf("current release %s is unhealthy: %w", r.target.Version, cause))
	}
	if err := r.o.driver.Discard(ctx, r.host, container); err != nil {
		return r.end(model.StateIndeterminate, fmt.Errorf("%w; discarding %s: %w", cause, container, err))
	}
	return r.end(model.StateRolledBack, cause)
}
