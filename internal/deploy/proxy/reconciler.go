// Package proxy owns the route table: which container receives traffic for a
// (role, host) pair. The Reconciler is its only writer.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/metrics"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// lockTTL bounds how long a crashed reconciler can block a key.
const lockTTL = 2 * time.Minute

// Config of a Reconciler.
type Config struct {
	Public string // public host name, empty routes every host
	TLS    bool
	Drain  time.Duration
}

// Reconciler switches routes after a container has passed its health check.
type Reconciler struct {
	cfg    Config
	store  RouteStore
	locks  Locker
	client Client
	clock  clock.Clock
}

func NewReconciler(cfg Config, store RouteStore, locks Locker, client Client, clk clock.Clock) *Reconciler {
	return &Reconciler{cfg: cfg, store: store, locks: locks, client: client, clock: clk}
}

// Drain returns the configured grace period.
func (r *Reconciler) Drain() time.Duration { return r.cfg.Drain }

func (r *Reconciler) load(ctx context.Context, role, host string) (model.ProxyRoute, error) {
	route, err := r.store.Get(ctx, role, host)
	if isNotFound(err) {
		return model.ProxyRoute{Role: role, Host: host, Public: r.cfg.Public, TLS: r.cfg.TLS}, nil
	}
	return route, err
}

// Cutover points the (role, host) route at to. The previous active endpoint
// moves to the draining list until now+drain. A concurrent cutover or drain of
// the same key fails with model.ErrRouteConflict. Cutting over to the endpoint
// that is already active is a no-op.
func (r *Reconciler) Cutover(ctx context.Context, host model.Host, role string, to model.Endpoint) (model.ProxyRoute, error) {
	key := model.RouteKey(role, host.Address)
	unlock, err := r.locks.TryLock(ctx, key, lockTTL)
	if err != nil {
		metrics.CutoversTotal.WithLabelValues("conflict").Inc()
		return model.ProxyRoute{}, err
	}
	defer unlock()

	route, err := r.load(ctx, role, host.Address)
	if err != nil {
		return model.ProxyRoute{}, fmt.Errorf("failed to load route %s: %w", key, err)
	}
	if route.Active == to {
		return route, nil
	}

	next := route
	next.Public = r.cfg.Public
	next.TLS = r.cfg.TLS
	next.Active = to
	if err := r.client.Deploy(ctx, host, next, r.cfg.Drain); err != nil {
		metrics.CutoversTotal.WithLabelValues("error").Inc()
		return model.ProxyRoute{}, fmt.Errorf("cutover %s: %w", key, err)
	}

	now := r.clock.Now()
	next.Draining = nil
	for _, d := range route.Draining {
		if d.Endpoint != to {
			next.Draining = append(next.Draining, d)
		}
	}
	if !route.Active.IsZero() {
		next.Draining = append(next.Draining, model.DrainingEndpoint{Endpoint: route.Active, Until: now.Add(r.cfg.Drain)})
	}
	next.UpdatedAt = now
	if err := r.store.Put(ctx, next); err != nil {
		// the proxy already switched; the table is repaired by the next cutover of this key
		return next, fmt.Errorf("failed to save route %s: %w", key, err)
	}

	metrics.CutoversTotal.WithLabelValues("ok").Inc()
	log.Info().Str("role", role).Str("host", host.Address).Str("active", to.Address).
		Int("draining", len(next.Draining)).Msg("route cut over")
	return next, nil
}

// FinishDrain drops draining endpoints whose grace period has ended and
// returns them so their containers can be stopped.
func (r *Reconciler) FinishDrain(ctx context.Context, host model.Host, role string) ([]model.Endpoint, error) {
	key := model.RouteKey(role, host.Address)
	unlock, err := r.locks.TryLock(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	route, err := r.store.Get(ctx, role, host.Address)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route %s: %w", key, err)
	}

	now := r.clock.Now()
	var done []model.Endpoint
	kept := route.Draining[:0]
	for _, d := range route.Draining {
		if !d.Until.After(now) {
			done = append(done, d.Endpoint)
			continue
		}
		kept = append(kept, d)
	}
	if len(done) == 0 {
		return nil, nil
	}
	route.Draining = kept
	route.UpdatedAt = now
	if err := r.store.Put(ctx, route); err != nil {
		return nil, fmt.Errorf("failed to save route %s: %w", key, err)
	}
	return done, nil
}

// Route returns the route of (role, host).
func (r *Reconciler) Route(ctx context.Context, role, host string) (model.ProxyRoute, error) {
	return r.store.Get(ctx, role, host)
}

// Routes returns the whole table.
func (r *Reconciler) Routes(ctx context.Context) ([]model.ProxyRoute, error) {
	return r.store.List(ctx)
}
