package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// RouteRepo 代理路由表数据访问层，供未启用 Redis 时持久化路由
type RouteRepo struct {
	db      *Database
	service string
}

// NewRouteRepo 创建路由仓库
func NewRouteRepo(db *Database, service string) *RouteRepo {
	return &RouteRepo{db: db, service: service}
}

// Get 获取 (role, host) 路由
func (r *RouteRepo) Get(ctx context.Context, role, host string) (model.ProxyRoute, error) {
	query := r.db.Rebind(`
		SELECT role, host, public, tls, active, draining, updated_at
		FROM proxy_routes
		WHERE service = ? AND role = ? AND host = ?`)

	route, err := scanRoute(r.db.GetDB().QueryRowContext(ctx, query, r.service, role, host))
	if err != nil {
		return model.ProxyRoute{}, notFound(err, "route "+model.RouteKey(role, host))
	}
	return route, nil
}

// Put 写入路由
func (r *RouteRepo) Put(ctx context.Context, route model.ProxyRoute) error {
	active, err := json.Marshal(route.Active)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	draining := route.Draining
	if draining == nil {
		draining = []model.DrainingEndpoint{}
	}
	drain, err := json.Marshal(draining)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	query := r.db.Rebind(`
		INSERT INTO proxy_routes (service, role, host, public, tls, active, draining, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service, role, host) DO UPDATE SET
			public = EXCLUDED.public,
			tls = EXCLUDED.tls,
			active = EXCLUDED.active,
			draining = EXCLUDED.draining,
			updated_at = EXCLUDED.updated_at`)

	_, err = r.db.GetDB().ExecContext(ctx, query,
		r.service, route.Role, route.Host, route.Public, route.TLS, string(active), string(drain), timeArg(route.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save route %s: %w", model.RouteKey(route.Role, route.Host), err)
	}
	return nil
}

// List 列出全部路由，按角色、主机排序
func (r *RouteRepo) List(ctx context.Context) ([]model.ProxyRoute, error) {
	query := r.db.Rebind(`
		SELECT role, host, public, tls, active, draining, updated_at
		FROM proxy_routes
		WHERE service = ?
		ORDER BY role, host`)

	rows, err := r.db.GetDB().QueryContext(ctx, query, r.service)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var out []model.ProxyRoute
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		out = append(out, route)
	}
	return out, rows.Err()
}

func scanRoute(s scanner) (model.ProxyRoute, error) {
	var (
		route         model.ProxyRoute
		active, drain string
		updated       dbTime
	)
	if err := s.Scan(&route.Role, &route.Host, &route.Public, &route.TLS, &active, &drain, &updated); err != nil {
		return model.ProxyRoute{}, err
	}
	if err := json.Unmarshal([]byte(active), &route.Active); err != nil {
		return model.ProxyRoute{}, fmt.Errorf("unmarshal route: %w", err)
	}
	if err := json.Unmarshal([]byte(drain), &route.Draining); err != nil {
		return model.ProxyRoute{}, fmt.Errorf("unmarshal route: %w", err)
	}
	if len(route.Draining) == 0 {
		route.Draining = nil
	}
	for i := range route.Draining {
		route.Draining[i].Until = route.Draining[i].Until.UTC()
	}
	route.UpdatedAt = updated.Time
	return route, nil
}
