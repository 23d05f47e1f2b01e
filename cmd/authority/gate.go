package main

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

func newGateCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Inspect and triage runtime gate violations",
	}
	cmd.AddCommand(newGateStatsCommand(root))
	cmd.AddCommand(newGateTransitionCommand(root, "ack", "Acknowledge an open violation",
		func(a *app) func(context.Context, string, string) (*contracts.GateViolation, error) { return a.gate.Acknowledge }))
	cmd.AddCommand(newGateTransitionCommand(root, "resolve", "Resolve a violation",
		func(a *app) func(context.Context, string, string) (*contracts.GateViolation, error) { return a.gate.Resolve }))
	return cmd
}

func newGateStatsCommand(root *RootOptions) *cobra.Command {
	var (
		since  string
		window time.Duration
		source string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from := time.Now().Add(-window)
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return usagef("--since %q is not RFC 3339", since)
				}
				from = t
			}
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				stats, err := a.gate.ViolationStatistics(ctx, from, source)
				if err != nil {
					return err
				}
				return root.emit(stats, func(w io.Writer) { printViolationStats(w, stats) })
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound (overrides --window)")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "look-back window")
	cmd.Flags().StringVar(&source, "source", "", "only violations from this source")
	return cmd
}

func printViolationStats(w io.Writer, s *contracts.ViolationStatistics) {
	row(w, "since", stamp(s.Since))
	row(w, "source", orDash(s.SourceFilter))
	row(w, "total", s.TotalViolations)
	row(w, "unresolved", s.UnresolvedCount)

	codes := make([]string, 0, len(s.ByCode))
	for c := range s.ByCode {
		codes = append(codes, string(c))
	}
	sort.Strings(codes)
	for _, c := range codes {
		row(w, "code "+c, s.ByCode[contracts.ViolationCode(c)])
	}

	sources := make([]string, 0, len(s.BySource))
	for src := range s.BySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		row(w, "source "+src, s.BySource[src])
	}

	for _, v := range s.RecentViolations {
		row(w, "recent", v.ViolationID, v.Code, v.RequestEndpoint, v.ResolutionStatus)
	}
}

func newGateTransitionCommand(root *RootOptions, use, short string,
	pick func(*app) func(context.Context, string, string) (*contracts.GateViolation, error),
) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   use + " <violation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				v, err := pick(a)(ctx, args[0], by)
				if err != nil {
					return err
				}
				return root.emit(v, func(w io.Writer) {
					row(w, "violation", v.ViolationID)
					row(w, "status", v.ResolutionStatus)
					row(w, "by", orDash(v.ResolvedBy))
				})
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "operator recording the transition")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}
