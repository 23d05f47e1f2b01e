package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
)

type lookupFlags struct {
	id   string
	hash string
}

func (l *lookupFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&l.id, "id", "", "envelope id")
	cmd.Flags().StringVar(&l.hash, "hash", "", "content hash")
	cmd.MarkFlagsMutuallyExclusive("id", "hash")
	cmd.MarkFlagsOneRequired("id", "hash")
}

func (l *lookupFlags) lookup() envelope.Lookup {
	return envelope.Lookup{EnvelopeID: l.id, ContentHash: l.hash}
}

func newEnvelopeCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Inspect and revoke sealed envelopes",
	}
	cmd.AddCommand(newEnvelopeVerifyCommand(root))
	cmd.AddCommand(newEnvelopeContentCommand(root))
	cmd.AddCommand(newEnvelopeRevokeCommand(root))
	return cmd
}

func newEnvelopeVerifyCommand(root *RootOptions) *cobra.Command {
	var key lookupFlags
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Report whether an envelope is currently valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				res, err := a.ledger.Verify(ctx, key.lookup())
				if err != nil {
					return err
				}
				return root.emit(res, func(w io.Writer) {
					row(w, "valid", res.IsValid)
					row(w, "status", orDash(string(res.Status)))
					row(w, "envelope", orDash(res.EnvelopeID))
					row(w, "message", res.Message)
				})
			})
		},
	}
	key.bind(cmd)
	return cmd
}

func newEnvelopeContentCommand(root *RootOptions) *cobra.Command {
	var key lookupFlags
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Print the sealed content of an envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				res, err := a.ledger.GetContent(ctx, key.lookup())
				if err != nil {
					return err
				}
				return root.emit(res, func(w io.Writer) {
					row(w, "envelope", res.EnvelopeID)
					row(w, "version", res.Version)
					row(w, "hash", res.Hash)
					row(w, "schema", orDash(res.Content.Schema))
					row(w, "body", string(res.Content.Body))
				})
			})
		},
	}
	key.bind(cmd)
	return cmd
}

func newEnvelopeRevokeCommand(root *RootOptions) *cobra.Command {
	req := &envelope.RevokeRequest{}
	cmd := &cobra.Command{
		Use:   "revoke <envelope-id>",
		Short: "Revoke a sealed envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EnvelopeID = args[0]
			ctx := cmd.Context()
			return withApp(ctx, root, func(a *app) error {
				env, err := a.ledger.Revoke(ctx, req)
				if err != nil {
					return err
				}
				return root.emit(env, func(w io.Writer) {
					row(w, "envelope", env.EnvelopeID)
					row(w, "status", env.Status)
					row(w, "revoked by", req.RevokedBy)
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.RevokedBy, "by", "", "operator revoking the envelope")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "revocation reason")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}
