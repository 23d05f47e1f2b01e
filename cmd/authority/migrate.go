package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
)

func newMigrateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema and record the built-in control-plane version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				v, err := a.versions.EnsureBuiltin(ctx)
				if err != nil {
					return err
				}
				return root.emit(struct {
					Dialect string                         `json:"dialect"`
					Version *contracts.ControlPlaneVersion `json:"control_plane_version"`
				}{string(a.db.Dialect), v}, func(w io.Writer) {
					row(w, "dialect", a.db.Dialect)
					row(w, "control-plane version", v.Version)
				})
			})
		},
	}
}

type seedOptions struct {
	*RootOptions
	File string
}

func newSeedCommand(root *RootOptions) *cobra.Command {
	opts := &seedOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load territories, sub-verticals and links from a YAML file",
		Long: `Load territories, sub-verticals and links from a YAML file.

Rows are upserted by id, so seeding the same file twice is harmless.
Defaults to TERRITORY_SEED.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.File
			if path == "" {
				path = root.cfg.TerritorySeed
			}
			if path == "" {
				return usagef("--file or TERRITORY_SEED is required")
			}
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				stats, err := a.seedTerritories(ctx, path)
				if err != nil {
					return err
				}
				return root.emit(stats, func(w io.Writer) { printSeedStats(w, stats) })
			})
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "seed file")
	return cmd
}

func printSeedStats(w io.Writer, s *territory.SeedStats) {
	row(w, "territories", s.Territories)
	row(w, "sub-verticals", s.SubVerticals)
	row(w, "links", s.Links)
}
