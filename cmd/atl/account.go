package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"attestline/internal/app"
	"attestline/internal/engine"
)

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage signer accounts"}
	acct.AddCommand(accountCreateCmd())
	acct.AddCommand(accountShowCmd())
	acct.AddCommand(accountAPIKeyCmd())
	return acct
}

// secret returns the flag value, falling back to ATTESTLINE_<KEY>.
func secret(flagValue, key string) string {
	if flagValue != "" {
		return flagValue
	}
	return viper.GetString(key)
}

func accountCreateCmd() *cobra.Command {
	var opts engine.AccountCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a signer account with a password",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Password = secret(opts.Password, "password")
			if opts.Password == "" {
				return fmt.Errorf("--password or ATTESTLINE_PASSWORD required")
			}
			opts.Actor = cliActor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateAccount(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), created, func(w io.Writer) {
					fmt.Fprintf(w, "Created account %s (%s)\n", created.ID, created.Name)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "account id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "full name printed on signatures")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Title, "title", "", "job title")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password used to re-authenticate when signing")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				acct, err := a.Engine.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(cmd.OutOrStdout(), acct, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendRows([]table.Row{
						{"ID", acct.ID},
						{"Name", acct.Name},
						{"Email", acct.Email},
						{"Title", acct.Title},
						{"Disabled", acct.Disabled},
						{"Created", acct.CreatedAt},
					})
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func accountAPIKeyCmd() *cobra.Command {
	var accountID, name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key for an account (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, raw, err := a.Engine.CreateAPIKey(ctx, accountID, name, cliActor())
				if err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "account_id": key.AccountID, "name": key.Name, "key": raw}
				return printJSONOrText(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "API key %s for %s:\n%s\n", key.ID, key.AccountID, raw)
				})
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
