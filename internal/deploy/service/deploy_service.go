package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/image"
	"github.com/qiniu/zerodeploy/internal/deploy/lifecycle"
	"github.com/qiniu/zerodeploy/internal/deploy/lock"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/planner"
	"github.com/qiniu/zerodeploy/internal/deploy/proxy"
	"github.com/qiniu/zerodeploy/internal/deploy/registry"
	"github.com/qiniu/zerodeploy/internal/deploy/rollback"
)

// DeployService 发布服务接口，CLI 与 HTTP API 共用
type DeployService interface {
	// Deploy 发布新版本，规划失败时不会触碰任何主机
	Deploy(ctx context.Context, params *model.DeployParams) (*orchestrator.Report, error)

	// Rollback 回滚到指定版本或各主机记录的上一个版本
	Rollback(ctx context.Context, params *model.RollbackParams) (*orchestrator.Report, error)

	// Plan 预览发布批次，不执行远程操作
	Plan(ctx context.Context, params *model.DeployParams) (model.RolloutPlan, error)

	// Status 汇总各角色主机的容器记录、路由和发布锁
	Status(ctx context.Context) (*model.StatusReport, error)

	// Logs 获取当前容器日志
	Logs(ctx context.Context, params *model.LogsParams) ([]model.HostLogs, error)

	Releases(ctx context.Context) ([]model.Release, error)
	Rollouts(ctx context.Context, limit int) ([]model.RolloutRecord, error)

	AcquireLock(ctx context.Context, message string) (*model.LockInfo, error)
	ReleaseLock(ctx context.Context) error
	LockStatus(ctx context.Context) (*model.LockInfo, error)

	Close() error
}

// Deps 发布服务依赖
type Deps struct {
	Registry  *registry.Registry
	Resolver  *image.Resolver
	Store     database.Store
	Driver    *lifecycle.Driver
	Proxy     *proxy.Reconciler
	Orch      *orchestrator.Orchestrator
	Rollback  *rollback.Controller
	Lock      lock.Locker
	BootLimit model.BatchSize
	Holder    string
	Clock     clock.Clock
	Closers   []io.Closer // 按逆序关闭
}

type deployService struct {
	registry  *registry.Registry
	resolver  *image.Resolver
	store     database.Store
	driver    *lifecycle.Driver
	proxy     *proxy.Reconciler
	orch      *orchestrator.Orchestrator
	rollback  *rollback.Controller
	locker    lock.Locker
	bootLimit model.BatchSize
	holder    string
	clock     clock.Clock
	closers   []io.Closer
}

// NewDeployService 创建 DeployService 实例
func NewDeployService(deps Deps) DeployService {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.BootLimit == (model.BatchSize{}) {
		deps.BootLimit = model.BatchSize{Percent: 100}
	}
	return &deployService{
		registry:  deps.Registry,
		resolver:  deps.Resolver,
		store:     deps.Store,
		driver:    deps.Driver,
		proxy:     deps.Proxy,
		orch:      deps.Orch,
		rollback:  deps.Rollback,
		locker:    deps.Lock,
		bootLimit: deps.BootLimit,
		holder:    deps.Holder,
		clock:     deps.Clock,
		closers:   deps.Closers,
	}
}

func (s *deployService) plan(ctx context.Context, params *model.DeployParams) (model.RolloutPlan, error) {
	roles, err := s.registry.Select(params.Roles)
	if err != nil {
		return model.RolloutPlan{}, err
	}
	rel, err := s.resolver.Resolve(ctx, params.Version)
	if err != nil {
		return model.RolloutPlan{}, err
	}
	return planner.Plan(s.registry.Hosts(), roles, s.bootLimit, rel)
}

func (s *deployService) Plan(ctx context.Context, params *model.DeployParams) (model.RolloutPlan, error) {
	if params == nil {
		params = &model.DeployParams{}
	}
	return s.plan(ctx, params)
}

func (s *deployService) Deploy(ctx context.Context, params *model.DeployParams) (*orchestrator.Report, error) {
	if params == nil {
		params = &model.DeployParams{}
	}
	plan, err := s.plan(ctx, params)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, fmt.Sprintf("Automatic deploy lock: %s", plan.Release.Version))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 同一版本重复发布时沿用首次记录的 release
	saved, err := s.store.SaveRelease(ctx, plan.Release)
	if err != nil {
		return nil, err
	}
	if saved != plan.Release {
		roles, _ := s.registry.Select(params.Roles)
		if plan, err = planner.Plan(s.registry.Hosts(), roles, s.bootLimit, saved); err != nil {
			return nil, err
		}
	}

	log.Info().Str("version", saved.Version).Str("image", saved.Image).
		Int("batches", len(plan.Batches)).Int("hosts", plan.HostCount()).Msg("deploying")
	report, err := s.orch.Run(ctx, plan, model.KindDeploy, params.Message)
	return &report, err
}

func (s *deployService) Rollback(ctx context.Context, params *model.RollbackParams) (*orchestrator.Report, error) {
	if params == nil {
		params = &model.RollbackParams{}
	}
	// 先确定回滚目标，无可回滚版本时不占用锁
	plan, err := s.rollback.Plan(ctx, params.Version, params.Roles)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, fmt.Sprintf("Automatic rollback lock: %s", plan.Release.Version))
	if err != nil {
		return nil, err
	}
	defer unlock()

	report, err := s.rollback.Rollback(ctx, plan.Release.Version, params.Roles, params.Message)
	return &report, err
}

// lock 获取发布锁，返回的函数释放锁
func (s *deployService) lock(ctx context.Context, message string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	if _, err := s.AcquireLock(ctx, message); err != nil {
		return nil, err
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("failed to release deploy lock")
		}
	}, nil
}

func (s *deployService) AcquireLock(ctx context.Context, message string) (*model.LockInfo, error) {
	if s.locker == nil {
		return nil, fmt.Errorf("deploy lock: %w", model.ErrNotFound)
	}
	info := model.LockInfo{Holder: s.holder, Message: message, AcquiredAt: s.clock.Now().UTC()}
	if err := s.locker.Acquire(ctx, info); err != nil {
		return nil, err
	}
	log.Info().Str("holder", info.Holder).Str("message", message).Msg("deploy lock acquired")
	return &info, nil
}

func (s *deployService) ReleaseLock(ctx context.Context) error {
	if s.locker == nil {
		return fmt.Errorf("deploy lock: %w", model.ErrNotFound)
	}
	if err := s.locker.Release(ctx); err != nil {
		return err
	}
	log.Info().Msg("deploy lock released")
	return nil
}

func (s *deployService) LockStatus(ctx context.Context) (*model.LockInfo, error) {
	if s.locker == nil {
		return nil, nil
	}
	return s.locker.Status(ctx)
}

func (s *deployService) Releases(ctx context.Context) ([]model.Release, error) {
	return s.store.ListReleases(ctx)
}

func (s *deployService) Rollouts(ctx context.Context, limit int) ([]model.RolloutRecord, error) {
	return s.store.ListRollouts(ctx, limit)
}

func (s *deployService) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
