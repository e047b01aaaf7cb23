package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// maxLogFetches 并发拉取日志的主机数上限
const maxLogFetches = 10

func (s *deployService) Status(ctx context.Context) (*model.StatusReport, error) {
	report := &model.StatusReport{Service: s.registry.Service()}

	for _, role := range s.registry.Roles() {
		rs := model.RoleStatus{Role: role.Name, Kind: role.Kind}
		for _, h := range s.registry.HostsFor(role.Name) {
			hs := model.HostStatus{Address: h.Address, Health: model.HealthUnknown}
			rec, err := s.store.GetRecord(ctx, h.Address, role.Name)
			switch {
			case err == nil:
				hs.Current = rec.CurrentVersion()
				hs.Previous = rec.PreviousVersion()
				hs.Health = rec.Health
			case !errors.Is(err, model.ErrNotFound):
				return nil, err
			}
			if role.Proxy && s.proxy != nil {
				route, err := s.proxy.Route(ctx, role.Name, h.Address)
				switch {
				case err == nil:
					hs.Active = route.Active.Address
					hs.Draining = route.Draining
				case !errors.Is(err, model.ErrNotFound):
					return nil, err
				}
			}
			rs.Hosts = append(rs.Hosts, hs)
		}
		report.Roles = append(report.Roles, rs)
	}

	// 附属服务只展示主机
	for _, acc := range s.registry.Accessories() {
		rs := model.RoleStatus{Role: acc.Name, Kind: acc.Kind}
		for _, addr := range acc.Hosts {
			rs.Hosts = append(rs.Hosts, model.HostStatus{Address: addr, Health: model.HealthUnknown})
		}
		report.Roles = append(report.Roles, rs)
	}

	lockInfo, err := s.LockStatus(ctx)
	if err != nil {
		return nil, err
	}
	report.Lock = lockInfo

	rollouts, err := s.store.ListRollouts(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rollouts) > 0 {
		report.LastRollout = &rollouts[0]
	}
	return report, nil
}

func (s *deployService) Logs(ctx context.Context, params *model.LogsParams) ([]model.HostLogs, error) {
	if params == nil {
		params = &model.LogsParams{}
	}
	var roles []string
	if params.Role != "" {
		roles = []string{params.Role}
	}
	selected, err := s.registry.Select(roles)
	if err != nil {
		return nil, err
	}

	var out []model.HostLogs
	for _, role := range selected {
		for _, h := range s.registry.HostsFor(role) {
			if params.Host != "" && h.Address != params.Host {
				continue
			}
			out = append(out, model.HostLogs{Host: h.Address, Role: role})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("host %q in %v: %w", params.Host, selected, model.ErrNotFound)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLogFetches)
	for i := range out {
		entry := &out[i]
		host, _ := s.registry.Host(entry.Host)
		g.Go(func() error {
			container, output, err := s.driver.Logs(gctx, host, entry.Role, params.Lines)
			entry.Container = container
			entry.Output = output
			if errors.Is(err, model.ErrNotFound) {
				entry.Error = "no release deployed"
			} else if err != nil {
				entry.Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
