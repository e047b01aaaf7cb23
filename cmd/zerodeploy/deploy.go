package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

type deployOpts struct {
	*rootOpts
	params model.DeployParams
}

func newDeployCommand(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Roll a new version out to every deployable role, batch by batch",
		Example: `zerodeploy deploy
zerodeploy deploy --version v1.4.2 --roles web -m "hotfix"`,
		Args: cobra.NoArgs,
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.params.Version, "version", "", "version tag, defaults to the git HEAD of deploy.workDir")
	cmd.Flags().StringSliceVar(&opts.params.Roles, "roles", nil, "limit the rollout to these roles")
	cmd.Flags().StringVarP(&opts.params.Message, "message", "m", "", "note recorded with the rollout")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	rep, err := svc.Deploy(cmd.Context(), &opts.params)
	if rep != nil {
		if perr := opts.print(cmd.OutOrStdout(), rep, func(w io.Writer) { renderReport(w, rep) }); perr != nil {
			return perr
		}
	}
	return err
}

type rollbackOpts struct {
	*rootOpts
	params model.RollbackParams
}

func newRollbackCommand(parent *rootOpts) *rollbackOpts {
	return &rollbackOpts{rootOpts: parent}
}

func (opts *rollbackOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback [version]",
		Short: "Switch back to a release that is still present on the hosts",
		Long: `Switch back to an earlier release without pulling.

Without a version every host returns to the release it ran before the current one;
this requires all selected hosts to agree on that release.`,
		Args: cobra.MaximumNArgs(1),
		RunE: opts.RunE,
	}
	cmd.Flags().StringSliceVar(&opts.params.Roles, "roles", nil, "limit the rollback to these roles")
	cmd.Flags().StringVarP(&opts.params.Message, "message", "m", "", "note recorded with the rollout")
	return cmd
}

func (opts *rollbackOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		opts.params.Version = args[0]
	}
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	rep, err := svc.Rollback(cmd.Context(), &opts.params)
	if rep != nil {
		if perr := opts.print(cmd.OutOrStdout(), rep, func(w io.Writer) { renderReport(w, rep) }); perr != nil {
			return perr
		}
	}
	return err
}

type planOpts struct {
	*rootOpts
	params model.DeployParams
}

func newPlanCommand(parent *rootOpts) *planOpts {
	return &planOpts{rootOpts: parent}
}

func (opts *planOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the batches a deploy would run, without touching any host",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.params.Version, "version", "", "version tag, defaults to the git HEAD of deploy.workDir")
	cmd.Flags().StringSliceVar(&opts.params.Roles, "roles", nil, "limit the plan to these roles")
	return cmd
}

func (opts *planOpts) RunE(cmd *cobra.Command, _ []string) error {
	svc, _, done, err := opts.service(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	plan, err := svc.Plan(cmd.Context(), &opts.params)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), plan, func(w io.Writer) { renderPlan(w, plan) })
}
