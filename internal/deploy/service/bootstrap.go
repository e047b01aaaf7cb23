package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/image"
	"github.com/qiniu/zerodeploy/internal/deploy/lifecycle"
	"github.com/qiniu/zerodeploy/internal/deploy/lock"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/planner"
	"github.com/qiniu/zerodeploy/internal/deploy/proxy"
	"github.com/qiniu/zerodeploy/internal/deploy/registry"
	"github.com/qiniu/zerodeploy/internal/deploy/retry"
	"github.com/qiniu/zerodeploy/internal/deploy/rollback"
	"github.com/qiniu/zerodeploy/internal/deploy/secrets"
	"github.com/qiniu/zerodeploy/internal/deploy/transport"
)

// DockerNetwork 应用容器与 kamal-proxy 共享的网络
const DockerNetwork = "kamal"

// Build 根据应用配置和部署描述组装 DeployService，t 为空时使用 SSH
func Build(ctx context.Context, cfg *config.Config, desc *config.Descriptor, t transport.Transport) (DeployService, error) {
	var closers []io.Closer
	fail := func(err error) (DeployService, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}

	reg, err := registry.New(desc)
	if err != nil {
		return nil, err
	}
	bootLimit, err := planner.ParseBatchSize(desc.Boot.Limit)
	if err != nil {
		return nil, err
	}
	rollbackLimit, err := planner.ParseBatchSize(desc.Rollback.Limit)
	if err != nil {
		return nil, err
	}
	clk := clock.New()

	sp, err := newSecrets(&cfg.Deploy)
	if err != nil {
		return nil, err
	}

	if t == nil {
		ssh, err := transport.NewSSH(transport.SSHConfig{
			User:           desc.SSH.User,
			Port:           desc.SSH.Port,
			KeyPath:        desc.SSH.Key,
			KnownHosts:     desc.SSH.KnownHosts,
			ConnectTimeout: time.Duration(desc.SSH.ConnectTimeout),
			MaxDials:       desc.SSH.MaxConcurrentStarts,
		})
		if err != nil {
			return nil, err
		}
		t = ssh
	}
	closers = append(closers, t)

	store, err := database.Open(&cfg.Database, desc.Service)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store)

	resolver, err := image.NewResolver(desc.Image, desc.Registry.Server, cfg.Deploy.WorkDir, nil, clk)
	if err != nil {
		return fail(err)
	}

	var (
		routes    proxy.RouteStore
		locks     proxy.Locker
		deployLck lock.Locker
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		closers = append(closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("failed to connect redis %s: %w", cfg.Redis.Addr, err))
		}
		routes = proxy.NewRedisRouteStore(rdb, desc.Service)
		locks = proxy.NewRedisLocker(rdb, desc.Service)
		deployLck = lock.NewRedis(rdb, desc.Service)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("route table and locks kept in redis")
	} else {
		if sqlStore, ok := store.(*database.SQLStore); ok {
			routes = sqlStore.Routes()
		} else {
			routes = proxy.NewMemoryRouteStore()
		}
		locks = proxy.NewMemoryLocker()
		// 无共享存储时发布锁放在首个主机上
		deployLck = lock.NewRemote(t, reg.Hosts()[0], desc.Service)
	}

	registryServer := desc.Registry.Server
	if registryServer == "" {
		registryServer = resolver.Registry()
	}
	driver := lifecycle.New(lifecycle.Config{
		Service: desc.Service,
		AppPort: desc.Proxy.AppPort,
		Network: DockerNetwork,
		Health: lifecycle.HealthCheck{
			Path: desc.Healthcheck.Path,
			Port: desc.Healthcheck.Port,
			Policy: retry.Policy{
				MaxAttempts:     desc.Healthcheck.MaxAttempts,
				InitialInterval: time.Duration(desc.Healthcheck.InitialInterval),
				MaxInterval:     time.Duration(desc.Healthcheck.MaxInterval),
				Timeout:         time.Duration(desc.Healthcheck.Timeout),
			},
		},
		Env:       desc.Env.Clear,
		SecretEnv: desc.Env.Secret,
		Registry: lifecycle.RegistryAuth{
			Server:      registryServer,
			Username:    desc.Registry.Username,
			PasswordKey: desc.Registry.Password,
		},
	}, t, store, sp, clk)

	rec := proxy.NewReconciler(proxy.Config{
		Public: desc.Proxy.Host,
		TLS:    desc.Proxy.SSL,
		Drain:  time.Duration(desc.DrainTimeout),
	}, routes, locks, proxy.NewTransportClient(t, desc.Service), clk)

	orch := orchestrator.New(orchestrator.Config{
		BootWait:         time.Duration(desc.Boot.Wait),
		TransportRetries: desc.TransportRetries,
		MaxConcurrent:    desc.SSH.MaxConcurrentStarts,
	}, reg, driver, rec, store, clk)

	return NewDeployService(Deps{
		Registry:  reg,
		Resolver:  resolver,
		Store:     store,
		Driver:    driver,
		Proxy:     rec,
		Orch:      orch,
		Rollback:  rollback.New(reg, store, orch, rollbackLimit),
		Lock:      deployLck,
		BootLimit: bootLimit,
		Holder:    cfg.Deploy.LockHolder,
		Clock:     clk,
		Closers:   closers,
	}), nil
}

// newSecrets 依次查找 secrets 文件、进程环境变量和系统钥匙串
func newSecrets(cfg *config.DeployConfig) (secrets.Provider, error) {
	chain := secrets.Chain{}
	if cfg.SecretsFile != "" {
		file, err := secrets.LoadEnvFile(cfg.SecretsFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, file)
	}
	chain = append(chain, secrets.Env{})
	if cfg.KeyringService != "" {
		chain = append(chain, secrets.Keyring{Service: cfg.KeyringService})
	}
	return chain, nil
}
