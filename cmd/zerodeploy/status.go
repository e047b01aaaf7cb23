package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

type statusOpts struct {
	*rootOpts
}

func newStatusCommand(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what each host runs, its health, proxy routes and the deploy lock",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
}

func (opts *statusOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	st, err := svc.Status(cmd.Context())
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), st, func(w io.Writer) { renderStatus(w, st) })
}

type logsOpts struct {
	*rootOpts
	params model.LogsParams
}

func newLogsCommand(parent *rootOpts) *logsOpts {
	return &logsOpts{rootOpts: parent}
}

func (opts *logsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch the output of the current containers",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.params.Role, "role", "", "only this role")
	cmd.Flags().StringVar(&opts.params.Host, "host", "", "only this host")
	cmd.Flags().IntVarP(&opts.params.Lines, "lines", "n", 100, "lines per container")
	return cmd
}

func (opts *logsOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	logs, err := svc.Logs(cmd.Context(), &opts.params)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), logs, func(w io.Writer) { renderLogs(w, logs) })
}

type releasesOpts struct {
	*rootOpts
}

func newReleasesCommand(parent *rootOpts) *releasesOpts {
	return &releasesOpts{rootOpts: parent}
}

func (opts *releasesOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "releases",
		Short: "List the releases that have been deployed",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
}

func (opts *releasesOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	releases, err := svc.Releases(cmd.Context())
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), releases, func(w io.Writer) { renderReleases(w, releases) })
}

type rolloutsOpts struct {
	*rootOpts
	limit int
}

func newRolloutsCommand(parent *rootOpts) *rolloutsOpts {
	return &rolloutsOpts{rootOpts: parent}
}

func (opts *rolloutsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rollouts",
		Aliases: []string{"history"},
		Short:   "Show recent deploys and rollbacks, newest first",
		Args:    cobra.NoArgs,
		RunE:    opts.RunE,
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "number of rollouts to show")
	return cmd
}

func (opts *rolloutsOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	records, err := svc.Rollouts(cmd.Context(), opts.limit)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), records, func(w io.Writer) { renderRollouts(w, records) })
}
