package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newLockCommand(parent *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage the deploy lock",
	}
	var message string
	acquire := &cobra.Command{
		Use:   "acquire",
		Short: "Hold the deploy lock so that no one can deploy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, done, err := parent.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			info, err := svc.AcquireLock(cmd.Context(), message)
			if err != nil {
				return err
			}
			return parent.print(cmd.OutOrStdout(), info, func(w io.Writer) { renderLock(w, info) })
		},
	}
	acquire.Flags().StringVarP(&message, "message", "m", "", "reason for holding the lock")
	_ = acquire.MarkFlagRequired("message")

	release := &cobra.Command{
		Use:   "release",
		Short: "Release the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, done, err := parent.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := svc.ReleaseLock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Deploy lock released"))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show who holds the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, done, err := parent.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			info, err := svc.LockStatus(cmd.Context())
			if err != nil {
				return err
			}
			return parent.print(cmd.OutOrStdout(), info, func(w io.Writer) { renderLock(w, info) })
		},
	}

	cmd.AddCommand(acquire, release, status)
	return cmd
}
