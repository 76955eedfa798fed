package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"attestline/internal/app"
	"attestline/internal/config"
	"attestline/internal/db"
	"attestline/internal/migrate"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default attestline.yml and an empty ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			wrote := false
			if _, err := os.Stat(path); os.IsNotExist(err) || force {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				wrote = true
			} else if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				current, err := migrate.Current(ctx, a.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				if current != latest {
					return fmt.Errorf("schema version %d, expected %d", current, latest)
				}
				out := map[string]any{
					"workspace":      workspace,
					"config":         path,
					"config_written": wrote,
					"database":       db.Path(workspace),
					"schema_version": current,
				}
				return printJSONOrText(cmd.OutOrStdout(), out, func(w io.Writer) {
					if wrote {
						fmt.Fprintf(w, "Wrote %s\n", path)
					} else {
						fmt.Fprintf(w, "Kept existing %s\n", path)
					}
					fmt.Fprintf(w, "Ledger ready at %s (schema version %d)\n", db.Path(workspace), current)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing attestline.yml")
	return cmd
}
