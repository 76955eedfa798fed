package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"attestline/internal/app"
	"attestline/internal/domain"
	"attestline/internal/signing"
)

func signCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sign",
		Short: "Sign content and manage signatures",
		Long: `Signing is a two-step ceremony. 'atl sign initiate' shows what is being signed and prints a one-time token.
'atl sign complete' re-authenticates the signer with that token and records the signature.`,
	}
	s.AddCommand(signInitiateCmd())
	s.AddCommand(signCompleteCmd())
	s.AddCommand(signShowCmd())
	s.AddCommand(signVerifyCmd())
	s.AddCommand(signInvalidateCmd())
	s.AddCommand(signListCmd())
	return s
}

func addTargetFlags(cmd *cobra.Command, t *domain.TargetRef) {
	cmd.Flags().StringVar(&t.Type, "type", "", "target type")
	cmd.Flags().StringVar(&t.ID, "id", "", "target id")
	cmd.Flags().StringVar(&t.Version, "version", "", "version label")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
}

func signInitiateCmd() *cobra.Command {
	var target domain.TargetRef
	var meaning, reason string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Request a signing challenge for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				grant, err := a.Engine.InitiateSignature(ctx, signing.InitiateRequest{
					Actor:   cliActor(),
					Meaning: domain.Meaning(meaning),
					Target:  target,
					Reason:  reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), grant, func(w io.Writer) {
					fmt.Fprintf(w, "You are about to sign %q as %s.\n\n%s\n\n", grant.Title, grant.Challenge.Meaning, grant.Preview)
					fmt.Fprintf(w, "Challenge %s expires %s\n", grant.Challenge.ID, grant.Challenge.ExpiresAt)
					fmt.Fprintf(w, "Token: %s\n", grant.Token)
				})
			})
		},
	}
	addTargetFlags(cmd, &target)
	cmd.Flags().StringVar(&meaning, "meaning", string(domain.MeaningApproval), "approval, review, authorship, responsibility or acknowledgment")
	cmd.Flags().StringVar(&reason, "reason", "", "free text reason")
	return cmd
}

func signCompleteCmd() *cobra.Command {
	var token, password string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Re-authenticate and complete a signing challenge",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = secret(token, "token")
			password = secret(password, "password")
			if token == "" {
				return fmt.Errorf("--token or ATTESTLINE_TOKEN required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := a.Engine.CompleteSignature(ctx, signing.CompleteRequest{
					Token:      token,
					Credential: password,
					Actor:      cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), sig, func(w io.Writer) { renderSignature(w, sig) })
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "challenge token from 'atl sign initiate'")
	cmd.Flags().StringVar(&password, "password", "", "signer password")
	return cmd
}

func signShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <signature-id>",
		Short: "Show a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := a.Engine.GetSignature(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), sig, func(w io.Writer) { renderSignature(w, sig) })
			})
		},
	}
	return cmd
}

func signVerifyCmd() *cobra.Command {
	var skipContent bool
	cmd := &cobra.Command{
		Use:   "verify <signature-id>",
		Short: "Verify a signature and its binding to the current content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.VerifySignature(ctx, args[0], !skipContent, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), res, func(w io.Writer) {
					status := "VALID"
					if !res.IsValid {
						status = "INVALID"
					}
					fmt.Fprintf(w, "%s %s\n", res.SignatureID, status)
					for _, issue := range res.Issues {
						fmt.Fprintf(w, "  - %s\n", issue)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&skipContent, "skip-content", false, "do not compare against the current content")
	return cmd
}

func signInvalidateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "invalidate <signature-id>",
		Short: "Mark a signature invalid (one way)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := a.Engine.InvalidateSignature(ctx, args[0], reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), sig, func(w io.Writer) { renderSignature(w, sig) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "invalidation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func signListCmd() *cobra.Command {
	var target domain.TargetRef
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signatures on a target, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListSignaturesForTarget(ctx, target, all)
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), items, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"ID", "Signer", "Meaning", "Signed At", "Valid", "Content"})
					for _, s := range items {
						tw.AppendRow(table.Row{s.ID, s.Signer.Name, s.Meaning, s.SignedAt, s.IsValid, shortHash(s.ContentHash)})
					}
					tw.Render()
				})
			})
		},
	}
	addTargetFlags(cmd, &target)
	cmd.Flags().BoolVar(&all, "all", false, "include invalidated signatures")
	return cmd
}

func renderSignature(w io.Writer, s domain.Signature) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Target", s.Target.String()},
		{"Signer", fmt.Sprintf("%s <%s> %s", s.Signer.Name, s.Signer.Email, s.Signer.Title)},
		{"Meaning", s.Meaning},
		{"Reason", s.Reason},
		{"Signed At", s.SignedAt},
		{"Time Source", s.TimeSource},
		{"Content Hash", s.ContentHash},
		{"Previous", s.PreviousSignatureID},
		{"Valid", s.IsValid},
	})
	if !s.IsValid {
		tw.AppendRow(table.Row{"Invalidated", fmt.Sprintf("%s by %s: %s", s.InvalidatedAt, s.InvalidatedBy, s.InvalidationReason)})
	}
	tw.Render()
}
