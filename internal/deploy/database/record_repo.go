package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// RecordRepo 容器记录数据访问层
type RecordRepo struct {
	db      *Database
	service string
}

// NewRecordRepo 创建容器记录仓库
func NewRecordRepo(db *Database, service string) *RecordRepo {
	return &RecordRepo{db: db, service: service}
}

// GetRecord 获取主机某角色的容器记录
func (r *RecordRepo) GetRecord(ctx context.Context, host, role string) (model.ContainerRecord, error) {
	query := r.db.Rebind(`
		SELECT host, role, current_release, previous_release, health, updated_at
		FROM container_records
		WHERE service = ? AND host = ? AND role = ?`)

	row := r.db.GetDB().QueryRowContext(ctx, query, r.service, host, role)
	rec, err := scanRecord(row)
	if err != nil {
		return model.ContainerRecord{}, notFound(err, fmt.Sprintf("record %s/%s", role, host))
	}
	return rec, nil
}

// PutRecord 写入容器记录
func (r *RecordRepo) PutRecord(ctx context.Context, rec model.ContainerRecord) error {
	cur, err := releaseJSON(rec.Current)
	if err != nil {
		return err
	}
	prev, err := releaseJSON(rec.Previous)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`
		INSERT INTO container_records (service, host, role, current_release, previous_release, health, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service, host, role) DO UPDATE SET
			current_release = EXCLUDED.current_release,
			previous_release = EXCLUDED.previous_release,
			health = EXCLUDED.health,
			updated_at = EXCLUDED.updated_at`)

	_, err = r.db.GetDB().ExecContext(ctx, query,
		r.service, rec.Host, rec.Role, cur, prev, string(rec.Health), timeArg(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save record %s/%s: %w", rec.Role, rec.Host, err)
	}
	return nil
}

// ListRecords 列出服务全部容器记录
func (r *RecordRepo) ListRecords(ctx context.Context) ([]model.ContainerRecord, error) {
	query := r.db.Rebind(`
		SELECT host, role, current_release, previous_release, health, updated_at
		FROM container_records
		WHERE service = ?
		ORDER BY role, host`)

	rows, err := r.db.GetDB().QueryContext(ctx, query, r.service)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []model.ContainerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.ContainerRecord, error) {
	var (
		rec       model.ContainerRecord
		cur, prev sql.NullString
		health    string
		updated   dbTime
	)
	if err := s.Scan(&rec.Host, &rec.Role, &cur, &prev, &health, &updated); err != nil {
		return model.ContainerRecord{}, err
	}
	var err error
	if rec.Current, err = parseReleaseJSON(cur); err != nil {
		return model.ContainerRecord{}, err
	}
	if rec.Previous, err = parseReleaseJSON(prev); err != nil {
		return model.ContainerRecord{}, err
	}
	rec.Health = model.HealthStatus(health)
	rec.UpdatedAt = updated.Time
	return rec, nil
}
