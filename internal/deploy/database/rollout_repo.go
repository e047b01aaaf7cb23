package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// RolloutRepo 发布历史数据访问层
type RolloutRepo struct {
	db      *Database
	service string
}

func NewRolloutRepo(db *Database, service string) *RolloutRepo {
	return &RolloutRepo{db: db, service: service}
}

type rolloutHosts struct {
	Succeeded     []string `json:"succeeded,omitempty"`
	RolledBack    []string `json:"rolled_back,omitempty"`
	Indeterminate []string `json:"indeterminate,omitempty"`
}

// durationColumn PostgreSQL 使用 interval，SQLite 使用毫秒整数
func (r *RolloutRepo) durationColumn() string {
	if r.db.Dialect() == Postgres {
		return "duration"
	}
	return "duration_ms"
}

func (r *RolloutRepo) durationArg(d time.Duration) any {
	if r.db.Dialect() == Postgres {
		return durationToPgInterval(d)
	}
	return d.Milliseconds()
}

func (r *RolloutRepo) SaveRollout(ctx context.Context, rec model.RolloutRecord) error {
	hosts, err := json.Marshal(rolloutHosts{
		Succeeded:     rec.Succeeded,
		RolledBack:    rec.RolledBack,
		Indeterminate: rec.Indeterminate,
	})
	if err != nil {
		return fmt.Errorf("marshal rollout hosts: %w", err)
	}
	col := r.durationColumn()
	query := r.db.Rebind(fmt.Sprintf(`
		INSERT INTO rollouts (id, service, kind, version, status, started_at, finished_at, %[1]s, hosts, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			%[1]s = EXCLUDED.%[1]s,
			hosts = EXCLUDED.hosts,
			message = EXCLUDED.message`, col))

	_, err = r.db.GetDB().ExecContext(ctx, query,
		rec.ID, r.service, string(rec.Kind), rec.Version, string(rec.Status),
		timeArg(rec.StartedAt), timeArg(rec.FinishedAt), r.durationArg(rec.Duration),
		string(hosts), rec.Message)
	if err != nil {
		return fmt.Errorf("failed to save rollout %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RolloutRepo) ListRollouts(ctx context.Context, limit int) ([]model.RolloutRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, kind, version, status, started_at, finished_at, %s, hosts, message
		FROM rollouts
		WHERE service = ?
		ORDER BY started_at DESC, id DESC`, r.durationColumn())
	args := []any{r.service}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.GetDB().QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollouts: %w", err)
	}
	defer rows.Close()

	var out []model.RolloutRecord
	for rows.Next() {
		var (
			rec               model.RolloutRecord
			kind, status      string
			started, finished dbTime
			hosts             string
			pgDuration        string
			msDuration        int64
		)
		var durDest any = &msDuration
		if r.db.Dialect() == Postgres {
			durDest = &pgDuration
		}
		if err := rows.Scan(&rec.ID, &kind, &rec.Version, &status, &started, &finished, durDest, &hosts, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan rollout: %w", err)
		}
		rec.Kind = model.RolloutKind(kind)
		rec.Status = model.RolloutStatus(status)
		rec.StartedAt = started.Time
		rec.FinishedAt = finished.Time

		if r.db.Dialect() == Postgres {
			var iv pgtype.Interval
			if err := iv.Scan(pgDuration); err != nil {
				return nil, fmt.Errorf("failed to scan rollout duration: %w", err)
			}
			if rec.Duration, err = pgIntervalToDuration(iv); err != nil {
				return nil, err
			}
		} else {
			rec.Duration = time.Duration(msDuration) * time.Millisecond
		}

		var h rolloutHosts
		if err := json.Unmarshal([]byte(hosts), &h); err != nil {
			return nil, fmt.Errorf("unmarshal rollout hosts: %w", err)
		}
		rec.Succeeded, rec.RolledBack, rec.Indeterminate = h.Succeeded, h.RolledBack, h.Indeterminate
		out = append(out, rec)
	}
	return out, rows.Err()
}
