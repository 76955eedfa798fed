package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"attestline/internal/app"
	"attestline/internal/domain"
)

func contentCmd() *cobra.Command {
	c := &cobra.Command{Use: "content", Short: "Store and inspect signable content"}
	c.AddCommand(contentPutCmd())
	c.AddCommand(contentShowCmd())
	return c
}

func contentPutCmd() *cobra.Command {
	var target domain.TargetRef
	var title, file, body string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store or replace the current JSON content of a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(body)
			if file != "" {
				var err error
				if file == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(file)
				}
				if err != nil {
					return err
				}
			}
			if len(data) == 0 {
				return fmt.Errorf("--body or --file required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, err := a.Engine.PutContent(ctx, domain.Document{
					Target: target,
					Title:  title,
					Body:   json.RawMessage(data),
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), doc, func(w io.Writer) {
					fmt.Fprintf(w, "Stored %s (%s)\n", doc.Target, doc.Title)
				})
			})
		},
	}
	cmd.Flags().StringVar(&target.Type, "type", "", "target type")
	cmd.Flags().StringVar(&target.ID, "id", "", "target id")
	cmd.Flags().StringVar(&target.Version, "version", "", "version label")
	cmd.Flags().StringVar(&title, "title", "", "human readable title shown to signers")
	cmd.Flags().StringVar(&file, "file", "", "read JSON body from file ('-' for stdin)")
	cmd.Flags().StringVar(&body, "body", "", "inline JSON body")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func contentShowCmd() *cobra.Command {
	var targetType, targetID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current content of a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, err := a.Engine.GetContent(ctx, targetType, targetID)
				if err != nil {
					return err
				}
				hash, err := a.Engine.Hasher.Hash(doc.Body)
				if err != nil {
					return err
				}
				out := map[string]any{"document": doc, "content_hash": hash}
				return printJSONOrText(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "%s  %s\nupdated %s  hash %s\n%s\n", doc.Target, doc.Title, doc.UpdatedAt, hash, string(doc.Body))
				})
			})
		},
	}
	cmd.Flags().StringVar(&targetType, "type", "", "target type")
	cmd.Flags().StringVar(&targetID, "id", "", "target id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
