package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("failed to query %s: %w", what, err)
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// dbTime scans timestamps from either driver: lib/pq yields time.Time,
// SQLite may yield text depending on the column's declared type.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = v.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognised time %q", s)
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func releaseJSON(r *model.Release) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal release: %w", err)
	}
	return string(b), nil
}

func parseReleaseJSON(s sql.NullString) (*model.Release, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var r model.Release
	if err := json.Unmarshal([]byte(s.String), &r); err != nil {
		return nil, fmt.Errorf("unmarshal release: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// durationToPgInterval 将 time.Duration 转换为 PostgreSQL interval，整天计入 Days
func durationToPgInterval(d time.Duration) pgtype.Interval {
	const day = 24 * time.Hour
	days := d / day
	rest := d - days*day
	return pgtype.Interval{
		Microseconds: rest.Microseconds(),
		Days:         int32(days),
		Months:       0,
		Valid:        true,
	}
}

// pgIntervalToDuration 将 PostgreSQL interval 转换为 time.Duration，不支持月份
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, fmt.Errorf("interval is null")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with months cannot be converted to a duration")
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}
