package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"attestline/internal/app"
	"attestline/internal/retention"
)

func retentionCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "retention",
		Short: "Records-retention operations (outside normal ledger use)",
	}
	r.AddCommand(retentionPurgeCmd())
	return r
}

func retentionPurgeCmd() *cobra.Command {
	var before, authorization string
	var olderThan time.Duration
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete events older than a cutoff under a documented retention authorization",
		Long: `Removes ledger events older than the cutoff. A ledger.retention_purged event recording the
authorization and the hash the oldest retained event links to is appended first, so a later
'atl audit verify' reports the remaining chain as partial rather than broken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := parseTimeFlag("before", before)
			if err != nil {
				return err
			}
			if cutoff.IsZero() && olderThan > 0 {
				cutoff = time.Now().Add(-olderThan)
			}
			if cutoff.IsZero() {
				return fmt.Errorf("--before or --older-than required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := &retention.Purger{
					Ledger: a.Engine.Ledger,
					Now:    a.Engine.Now,
					Logger: a.Logger.Named("retention"),
				}
				res, err := p.Purge(ctx, retention.Request{
					Before:        cutoff,
					Authorization: authorization,
					Confirm:       confirm,
					Actor:         cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Purged %d events before %s\nRetained chain starts after %s\nPurge event %s\n", res.Deleted, res.Before, res.BoundaryHash, res.Event.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "RFC 3339 cutoff")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "cutoff relative to now, e.g. 61320h")
	cmd.Flags().StringVar(&authorization, "authorization", "", "retention policy or approval reference")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the irreversible deletion")
	return cmd
}
