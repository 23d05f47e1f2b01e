package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

func newVersionCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Read and advance the control-plane version",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Print the active control-plane version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				v, err := a.versions.Current(ctx)
				if err != nil {
					return err
				}
				return root.emit(v, func(w io.Writer) { printVersions(w, v) })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List applied control-plane versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				history, err := a.versions.History(ctx)
				if err != nil {
					return err
				}
				return root.emit(history, func(w io.Writer) {
					vs := make([]*contracts.ControlPlaneVersion, len(history))
					for i := range history {
						vs[i] = &history[i]
					}
					printVersions(w, vs...)
				})
			})
		},
	})
	cmd.AddCommand(newVersionApplyCommand(root))
	return cmd
}

func newVersionApplyCommand(root *RootOptions) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:     "apply <semver>",
		Short:   "Append a control-plane version; it must exceed the current one",
		Example: `  authority version apply 1.1.0 --description "territory eligibility rules"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				v, err := a.versions.Apply(ctx, args[0], description)
				if err != nil {
					return err
				}
				return root.emit(v, func(w io.Writer) { printVersions(w, v) })
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the version changes")
	return cmd
}

func printVersions(w io.Writer, vs ...*contracts.ControlPlaneVersion) {
	row(w, "VERSION", "APPLIED AT", "DESCRIPTION")
	for _, v := range vs {
		row(w, v.Version, stamp(v.AppliedAt), orDash(v.Description))
	}
}
