package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
)

func newTerritoryCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "territory",
		Short: "Resolve and validate territories",
	}
	cmd.AddCommand(newTerritoryResolveCommand(root))
	cmd.AddCommand(newTerritoryValidateCommand(root))
	return cmd
}

func newTerritoryResolveCommand(root *RootOptions) *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Resolve an identifier through EXACT, SLUG, COUNTRY and GLOBAL",
		Example: `  authority territory resolve "Berlin"
  authority territory resolve "Munich" --country DE`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier := ""
			if len(args) == 1 {
				identifier = args[0]
			}
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				res, err := a.resolver.ResolveWithInheritance(ctx, identifier, territory.Hint{Country: country})
				if err != nil {
					return err
				}
				return root.emit(res, func(w io.Writer) { printResolution(w, res) })
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "ISO country hint")
	return cmd
}

func printResolution(w io.Writer, r *contracts.TerritoryResolution) {
	path := make([]string, len(r.ResolutionPath))
	for i, s := range r.ResolutionPath {
		path[i] = string(s)
	}
	row(w, "territory", r.TerritoryID)
	row(w, "slug", r.TerritorySlug)
	row(w, "level", r.TerritoryLevel)
	row(w, "matched", r.MatchedStage)
	row(w, "path", strings.Join(path, " > "))
}

func newTerritoryValidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <territory-id> <sub-vertical-id>",
		Short: "Check whether a territory may serve a sub-vertical",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				res, err := a.resolver.ValidateForSubVertical(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return root.emit(res, func(w io.Writer) {
					row(w, "valid", res.IsValid)
					row(w, "code", orDash(string(res.Code)))
					row(w, "message", res.Message)
				})
			})
		},
	}
}
