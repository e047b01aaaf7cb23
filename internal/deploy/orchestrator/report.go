package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// HostReport 单个主机在一次发布中的结果
type HostReport struct {
	Batch    int             `json:"batch"`
	Role     string          `json:"role"`
	Host     string          `json:"host"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to"`
	State    model.HostState `json:"state"`
	Attempts int             `json:"attempts,omitempty"` // 健康检查次数
	Retries  int             `json:"retries,omitempty"`  // 传输层重试次数
	Error    string          `json:"error,omitempty"`
}

// Key is role/host.
func (h HostReport) Key() string { return model.RouteKey(h.Role, h.Host) }

// Report 发布结果：哪些主机成功、哪些已回滚、哪些需人工确认
type Report struct {
	Rollout      model.RolloutRecord `json:"rollout"`
	Hosts        []HostReport        `json:"hosts"`
	BatchesRun   int                 `json:"batches_run"`
	BatchesTotal int                 `json:"batches_total"`
}

// Summary is a one-line description of the outcome for operators.
func (r Report) Summary() string {
	rec := r.Rollout
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s: %d succeeded, %d rolled back, %d indeterminate, %d/%d batches",
		rec.Kind, rec.Version, rec.Status, len(rec.Succeeded), len(rec.RolledBack), len(rec.Indeterminate),
		r.BatchesRun, r.BatchesTotal)
	if len(rec.Indeterminate) > 0 {
		fmt.Fprintf(&b, "; check manually: %s", strings.Join(rec.Indeterminate, ", "))
	}
	return b.String()
}

// Err maps the rollout status to an error; nil on success.
func (r Report) Err() error {
	switch r.Rollout.Status {
	case model.RolloutSucceeded:
		return nil
	case model.RolloutFailed:
		return fmt.Errorf("%w: rolled back %s", model.ErrUnhealthy, strings.Join(r.Rollout.RolledBack, ", "))
	case model.RolloutAborted:
		return fmt.Errorf("%w: manual check required for %s", model.ErrAborted, strings.Join(r.Rollout.Indeterminate, ", "))
	case model.RolloutCancelled:
		return fmt.Errorf("%w after %d of %d batches: %w", model.ErrAborted, r.BatchesRun, r.BatchesTotal, context.Canceled)
	}
	return fmt.Errorf("rollout %s is %s", r.Rollout.ID, r.Rollout.Status)
}
