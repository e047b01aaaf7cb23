package database

import (
	"context"

	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Store 部署状态存储
type Store interface {
	// GetRecord returns model.ErrNotFound when the host has never run the role.
	GetRecord(ctx context.Context, host, role string) (model.ContainerRecord, error)
	PutRecord(ctx context.Context, rec model.ContainerRecord) error
	// ListRecords orders by role, then host.
	ListRecords(ctx context.Context) ([]model.ContainerRecord, error)

	// SaveRelease stores rel once. Saving an existing version returns the stored
	// release unchanged; the same version with another image is model.ErrAlreadyExists.
	SaveRelease(ctx context.Context, rel model.Release) (model.Release, error)
	GetRelease(ctx context.Context, version string) (model.Release, error)
	// ListReleases orders newest first.
	ListReleases(ctx context.Context) ([]model.Release, error)

	// SaveRollout inserts or updates by ID.
	SaveRollout(ctx context.Context, rec model.RolloutRecord) error
	// ListRollouts orders newest first; limit <= 0 returns all.
	ListRollouts(ctx context.Context, limit int) ([]model.RolloutRecord, error)

	Close() error
}

// Open 根据配置创建存储
func Open(cfg *config.DatabaseConfig, service string) (Store, error) {
	if cfg.Driver == "memory" {
		return NewMemoryStore(), nil
	}
	db, err := NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, service), nil
}

// SQLStore 基于 Database 的存储，组合各表的 repo
type SQLStore struct {
	db      *Database
	service string
	*RecordRepo
	*ReleaseRepo
	*RolloutRepo
}

// NewSQLStore 创建 SQL 存储，service 隔离同一数据库中的多个服务
func NewSQLStore(db *Database, service string) *SQLStore {
	return &SQLStore{
		db:          db,
		service:     service,
		RecordRepo:  NewRecordRepo(db, service),
		ReleaseRepo: NewReleaseRepo(db, service),
		RolloutRepo: NewRolloutRepo(db, service),
	}
}

// Routes 返回同一数据库上的代理路由表
func (s *SQLStore) Routes() *RouteRepo { return NewRouteRepo(s.db, s.service) }

func (s *SQLStore) Close() error { return s.db.Close() }
