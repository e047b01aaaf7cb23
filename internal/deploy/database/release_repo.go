package database

import (
	"context"
	"fmt"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// ReleaseRepo 发布版本数据访问层，版本写入后不可修改
type ReleaseRepo struct {
	db      *Database
	service string
}

func NewReleaseRepo(db *Database, service string) *ReleaseRepo {
	return &ReleaseRepo{db: db, service: service}
}

func (r *ReleaseRepo) SaveRelease(ctx context.Context, rel model.Release) (model.Release, error) {
	query := r.db.Rebind(`
		INSERT INTO releases (service, version, image, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service, version) DO NOTHING`)

	if _, err := r.db.GetDB().ExecContext(ctx, query, r.service, rel.Version, rel.Image, timeArg(rel.CreatedAt)); err != nil {
		return model.Release{}, fmt.Errorf("failed to save release %s: %w", rel.Version, err)
	}

	stored, err := r.GetRelease(ctx, rel.Version)
	if err != nil {
		return model.Release{}, err
	}
	if stored.Image != rel.Image {
		return model.Release{}, fmt.Errorf("release %s: %w", rel.Version, model.ErrAlreadyExists)
	}
	return stored, nil
}

func (r *ReleaseRepo) GetRelease(ctx context.Context, version string) (model.Release, error) {
	query := r.db.Rebind(`SELECT version, image, created_at FROM releases WHERE service = ? AND version = ?`)

	var (
		rel     model.Release
		created dbTime
	)
	err := r.db.GetDB().QueryRowContext(ctx, query, r.service, version).Scan(&rel.Version, &rel.Image, &created)
	if err != nil {
		return model.Release{}, notFound(err, "release "+version)
	}
	rel.CreatedAt = created.Time
	return rel, nil
}

func (r *ReleaseRepo) ListReleases(ctx context.Context) ([]model.Release, error) {
	query := r.db.Rebind(`
		SELECT version, image, created_at FROM releases
		WHERE service = ?
		ORDER BY created_at DESC, version DESC`)

	rows, err := r.db.GetDB().QueryContext(ctx, query, r.service)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	var out []model.Release
	for rows.Next() {
		var (
			rel     model.Release
			created dbTime
		)
		if err := rows.Scan(&rel.Version, &rel.Image, &created); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		rel.CreatedAt = created.Time
		out = append(out, rel)
	}
	return out, rows.Err()
}
