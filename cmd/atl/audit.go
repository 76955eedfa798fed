package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"attestline/internal/app"
	"attestline/internal/export"
	"attestline/internal/ledger"
)

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Query, verify and export the audit ledger"}
	a.AddCommand(auditLogCmd())
	a.AddCommand(auditShowCmd())
	a.AddCommand(auditVerifyCmd())
	a.AddCommand(auditVerifyEventCmd())
	a.AddCommand(auditStatsCmd())
	a.AddCommand(auditExportCmd())
	a.AddCommand(auditVerifyExportCmd())
	return a
}

type filterFlags struct {
	eventType, actorID, resourceType, resourceID, from, to string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.eventType, "type", "", "event type")
	cmd.Flags().StringVar(&f.actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&f.resourceType, "resource-type", "", "resource type")
	cmd.Flags().StringVar(&f.resourceID, "resource-id", "", "resource id")
	cmd.Flags().StringVar(&f.from, "from", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&f.to, "to", "", "RFC 3339 upper bound")
}

func (f filterFlags) filter() (ledger.Filter, error) {
	from, err := parseTimeFlag("from", f.from)
	if err != nil {
		return ledger.Filter{}, err
	}
	to, err := parseTimeFlag("to", f.to)
	if err != nil {
		return ledger.Filter{}, err
	}
	return ledger.Filter{
		EventType:    f.eventType,
		ActorID:      f.actorID,
		ResourceType: f.resourceType,
		ResourceID:   f.resourceID,
		From:         from,
		To:           to,
	}, nil
}

func auditLogCmd() *cobra.Command {
	var ff filterFlags
	var page ledger.Page
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ListAuditEvents(ctx, f, page)
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), res, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"Seq", "Timestamp", "Type", "Actor", "Resource", "Hash"})
					for _, e := range res.Items {
						tw.AppendRow(table.Row{e.Seq, e.Timestamp, e.EventType, e.Actor.ID, e.ResourceType + "/" + e.ResourceID, shortHash(e.EventHash)})
					}
					tw.AppendFooter(table.Row{"", "", "", "", "total", res.Total})
					tw.Render()
				})
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().IntVarP(&page.Limit, "limit", "n", 50, "page size")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "page offset")
	return cmd
}

func auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Engine.GetAuditEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), evt)
			})
		},
	}
}

func auditVerifyCmd() *cobra.Command {
	var startID, endID string
	var maxEvents int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute hashes and links over a range of the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.VerifyChainRange(ctx, startID, endID, maxEvents)
				if err != nil {
					return err
				}
				if err := printJSONOrText(cmd.OutOrStdout(), report, func(w io.Writer) {
					if report.IsValid {
						fmt.Fprintf(w, "Chain intact: %d/%d events verified in %dms\n", report.VerifiedCount, report.TotalEvents, report.ElapsedMillis)
					} else {
						fmt.Fprintf(w, "Chain BROKEN at %s: %s (%d events verified before it)\n", report.FirstInvalidID, report.Reason, report.VerifiedCount)
					}
					if report.Partial {
						fmt.Fprintln(w, "Range starts after the genesis event; the first link was taken on trust.")
					}
					if report.Truncated {
						fmt.Fprintln(w, "Range was truncated by max events.")
					}
					fmt.Fprintf(w, "Head: %s\n", report.ChainHeadHash)
				}); err != nil {
					return err
				}
				if !report.IsValid {
					return fmt.Errorf("audit chain verification failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&startID, "start", "", "first event id (default genesis)")
	cmd.Flags().StringVar(&endID, "end", "", "last event id (default head)")
	cmd.Flags().IntVar(&maxEvents, "max", 0, "maximum events to walk (default from config)")
	return cmd
}

func auditVerifyEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-event <event-id>",
		Short: "Verify one event's hash and its link to its predecessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.VerifySingleEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "%s hash_valid=%t previous_linked=%t genesis=%t\n", report.EventID, report.HashValid, report.PreviousLinked, report.IsGenesis)
					for _, issue := range report.Issues {
						fmt.Fprintf(w, "  - %s\n", issue)
					}
				})
			})
		},
	}
}

func auditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger, signature and challenge counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.GetAuditStats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), stats, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"Metric", "Value"})
					tw.AppendRow(table.Row{"events", stats.Ledger.TotalEvents})
					types := make([]string, 0, len(stats.Ledger.ByType))
					for t := range stats.Ledger.ByType {
						types = append(types, t)
					}
					sort.Strings(types)
					for _, t := range types {
						tw.AppendRow(table.Row{"  " + t, stats.Ledger.ByType[t]})
					}
					tw.AppendRow(table.Row{"first event", stats.Ledger.FirstEventAt})
					tw.AppendRow(table.Row{"last event", stats.Ledger.LastEventAt})
					tw.AppendRow(table.Row{"head hash", stats.Ledger.HeadHash})
					tw.AppendRow(table.Row{"signatures valid/invalid", fmt.Sprintf("%d/%d", stats.Signatures.Valid, stats.Signatures.Invalid)})
					tw.AppendRow(table.Row{"challenges pending/consumed/expired", fmt.Sprintf("%d/%d/%d", stats.Challenges.Pending, stats.Challenges.Consumed, stats.Challenges.Expired)})
					tw.Render()
				})
			})
		},
	}
}

func auditExportCmd() *cobra.Command {
	var ff filterFlags
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export events with an integrity hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ExportAuditTrail(ctx, export.Request{Filter: f, Format: format, Actor: cliActor()})
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err := cmd.OutOrStdout().Write(res.Data)
					return err
				}
				if err := os.WriteFile(out, res.Data, 0o644); err != nil {
					return err
				}
				summary := map[string]any{"export_id": res.ID, "file": out, "events": res.EventCount, "integrity_hash": res.IntegrityHash}
				return printJSONOrText(cmd.OutOrStdout(), summary, func(w io.Writer) {
					fmt.Fprintf(w, "Wrote %d events to %s\n%s:%s\n", res.EventCount, out, export.Algorithm, res.IntegrityHash)
				})
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&format, "format", export.FormatJSON, "json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func auditVerifyExportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "verify-export <file>",
		Short: "Check an export file against its embedded integrity hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.VerifyExport(data, format)
				if err != nil {
					return err
				}
				if err := printJSONOrText(cmd.OutOrStdout(), res, func(w io.Writer) {
					if res.Valid {
						fmt.Fprintf(w, "Export intact: %d events, %s %s\n", res.EventCount, res.Algorithm, res.ActualHash)
					} else {
						fmt.Fprintf(w, "Export MODIFIED: expected %s, computed %s\n", res.ExpectedHash, res.ActualHash)
					}
				}); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("export integrity check failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json or csv (detected when empty)")
	return cmd
}
