package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func stateStyle(s model.HostState) lipgloss.Style {
	switch s {
	case model.StateStopped:
		return okStyle
	case model.StateRolledBack, model.StateRollingBack:
		return warnStyle
	case model.StateIndeterminate:
		return errorStyle
	}
	return lipgloss.NewStyle()
}

func statusStyle(s model.RolloutStatus) lipgloss.Style {
	switch s {
	case model.RolloutSucceeded:
		return okStyle
	case model.RolloutFailed, model.RolloutCancelled:
		return warnStyle
	case model.RolloutAborted:
		return errorStyle
	}
	return lipgloss.NewStyle()
}

func healthStyle(h model.HealthStatus) lipgloss.Style {
	switch h {
	case model.HealthHealthy:
		return okStyle
	case model.HealthUnknown:
		return mutedStyle
	}
	return warnStyle
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderReport(w io.Writer, rep *orchestrator.Report) {
	fmt.Fprintln(w, statusStyle(rep.Rollout.Status).Render(rep.Summary()))
	if len(rep.Hosts) == 0 {
		return
	}
	t := newTable("BATCH", "ROLE", "HOST", "FROM", "TO", "STATE", "ATTEMPTS", "ERROR")
	for _, h := range rep.Hosts {
		t.Row(
			strconv.Itoa(h.Batch+1),
			h.Role,
			h.Host,
			dash(h.From),
			h.To,
			stateStyle(h.State).Render(string(h.State)),
			strconv.Itoa(h.Attempts),
			dash(h.Error),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderPlan(w io.Writer, plan model.RolloutPlan) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Release %s (%s)", plan.Release.Version, plan.Release.Image)))
	t := newTable("BATCH", "ROLE", "HOSTS")
	for _, b := range plan.Batches {
		addrs := make([]string, 0, len(b.Hosts))
		for _, h := range b.Hosts {
			addrs = append(addrs, h.Address)
		}
		t.Row(strconv.Itoa(b.Index+1), b.Role, strings.Join(addrs, ", "))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d batches, %d hosts\n", len(plan.Batches), plan.HostCount())
}

func renderStatus(w io.Writer, st *model.StatusReport) {
	fmt.Fprintln(w, titleStyle.Render("Service "+st.Service))
	if st.Lock != nil {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Locked by %s since %s: %s",
			st.Lock.Holder, st.Lock.AcquiredAt.Format(time.RFC3339), st.Lock.Message)))
	}
	t := newTable("ROLE", "HOST", "CURRENT", "PREVIOUS", "HEALTH", "ACTIVE", "DRAINING")
	for _, r := range st.Roles {
		for _, h := range r.Hosts {
			draining := make([]string, 0, len(h.Draining))
			for _, d := range h.Draining {
				draining = append(draining, d.Container)
			}
			t.Row(
				r.Role,
				h.Address,
				dash(h.Current),
				dash(h.Previous),
				healthStyle(h.Health).Render(string(h.Health)),
				dash(h.Active),
				dash(strings.Join(draining, ", ")),
			)
		}
	}
	fmt.Fprintln(w, t.Render())
	if st.LastRollout != nil {
		rec := st.LastRollout
		fmt.Fprintf(w, "Last %s %s: %s at %s\n", rec.Kind, rec.Version,
			statusStyle(rec.Status).Render(string(rec.Status)), rec.FinishedAt.Format(time.RFC3339))
	}
}

func renderReleases(w io.Writer, releases []model.Release) {
	t := newTable("VERSION", "IMAGE", "CREATED")
	for _, r := range releases {
		t.Row(r.Version, r.Image, r.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, t.Render())
}

func renderRollouts(w io.Writer, records []model.RolloutRecord) {
	t := newTable("ID", "KIND", "VERSION", "STATUS", "STARTED", "DURATION", "MESSAGE")
	for _, r := range records {
		t.Row(
			r.ID,
			string(r.Kind),
			r.Version,
			statusStyle(r.Status).Render(string(r.Status)),
			r.StartedAt.Format(time.RFC3339),
			r.Duration.Round(time.Millisecond).String(),
			dash(r.Message),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderLogs(w io.Writer, logs []model.HostLogs) {
	for _, l := range logs {
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s/%s %s", l.Role, l.Host, l.Container)))
		if l.Error != "" {
			fmt.Fprintln(w, errorStyle.Render(l.Error))
			continue
		}
		fmt.Fprintln(w, strings.TrimRight(l.Output, "\n"))
	}
}

func renderLock(w io.Writer, info *model.LockInfo) {
	if info == nil {
		fmt.Fprintln(w, okStyle.Render("Deploy lock is free"))
		return
	}
	fmt.Fprintf(w, "Locked by %s since %s\n", info.Holder, info.AcquiredAt.Format(time.RFC3339))
	if info.Message != "" {
		fmt.Fprintln(w, mutedStyle.Render(info.Message))
	}
}
