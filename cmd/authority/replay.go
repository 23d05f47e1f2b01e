package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
)

func newReplayCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect replay attempts",
	}
	cmd.AddCommand(newReplayHistoryCommand(root))
	return cmd
}

func newReplayHistoryCommand(root *RootOptions) *cobra.Command {
	var q replay.HistoryQuery
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List replay attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				attempts, err := a.verifier.History(ctx, q)
				if err != nil {
					return err
				}
				return root.emit(attempts, func(w io.Writer) { printReplays(w, attempts) })
			})
		},
	}
	cmd.Flags().StringVar(&q.EnvelopeID, "envelope-id", "", "only attempts against this envelope")
	cmd.Flags().StringVar(&q.EnvelopeHash, "envelope-hash", "", "only attempts against this content hash")
	cmd.Flags().IntVar(&q.Limit, "limit", replay.DefaultHistoryLimit, "maximum attempts to list")
	return cmd
}

func printReplays(w io.Writer, attempts []*contracts.ReplayAttempt) {
	row(w, "REPLAY", "STATUS", "HASH", "INITIATED BY", "INITIATED AT")
	for _, a := range attempts {
		status := string(a.Status)
		if a.ErrorCode != "" {
			status += " (" + string(a.ErrorCode) + ")"
		}
		row(w, a.ReplayID, status, a.EnvelopeHash, a.InitiatedBy, stamp(a.InitiatedAt))
	}
}
