package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// RouteStore persists the route table. Only the Reconciler writes to it.
type RouteStore interface {
	// Get returns model.ErrNotFound when the (role, host) pair has no route yet.
	Get(ctx context.Context, role, host string) (model.ProxyRoute, error)
	Put(ctx context.Context, route model.ProxyRoute) error
	// List orders by role, then host.
	List(ctx context.Context) ([]model.ProxyRoute, error)
}

// Locker serializes reconciliations per key.
type Locker interface {
	// TryLock never waits: a held key is model.ErrRouteConflict.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// MemoryRouteStore 进程内路由表
type MemoryRouteStore struct {
	mu     sync.RWMutex
	routes map[string]model.ProxyRoute
}

func NewMemoryRouteStore() *MemoryRouteStore {
	return &MemoryRouteStore{routes: make(map[string]model.ProxyRoute)}
}

func copyRoute(r model.ProxyRoute) model.ProxyRoute {
	r.Draining = append([]model.DrainingEndpoint(nil), r.Draining...)
	return r
}

func (s *MemoryRouteStore) Get(_ context.Context, role, host string) (model.ProxyRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[model.RouteKey(role, host)]
	if !ok {
		return model.ProxyRoute{}, fmt.Errorf("route %s: %w", model.RouteKey(role, host), model.ErrNotFound)
	}
	return copyRoute(r), nil
}

func (s *MemoryRouteStore) Put(_ context.Context, route model.ProxyRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[model.RouteKey(route.Role, route.Host)] = copyRoute(route)
	return nil
}

func (s *MemoryRouteStore) List(_ context.Context) ([]model.ProxyRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProxyRoute, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, copyRoute(r))
	}
	sortRoutes(out)
	return out, nil
}

func sortRoutes(routes []model.ProxyRoute) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Role != routes[j].Role {
			return routes[i].Role < routes[j].Role
		}
		return routes[i].Host < routes[j].Host
	})
}

// MemoryLocker 进程内键锁
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s is being reconciled", model.ErrRouteConflict, key)
	}
	token := uuid.NewString()
	l.held[key] = token
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
	}, nil
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }
