package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"attestline/internal/app"
	"attestline/internal/db"
	"attestline/internal/domain"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "atl",
		Short: "Attestline CLI",
		Long: `Attestline records electronic signatures and an append-only, hash-chained audit trail.
Core concepts:
- Workspace: a directory holding attestline.yml and .attestline/attestline.db.
- Content: the JSON document a signature is bound to, addressed by type/id and an optional version label.
- Challenge: a short-lived, single-use token issued to one signer for one target; completing it requires re-authentication.
- Signature: the immutable record produced by a completed challenge. It can be invalidated once, never edited or deleted.
- Ledger: every action is appended as an event whose hash covers the previous event's hash. Verify it with 'atl audit verify'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd())
	root.AddCommand(accountCmd())
	root.AddCommand(contentCmd())
	root.AddCommand(signCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(retentionCmd())
	root.AddCommand(serveCmd())
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ATTESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	root.PersistentFlags().String("actor-email", "", "actor email recorded on events")
	_ = viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", root.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-email", root.PersistentFlags().Lookup("actor-email"))
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func cliActor() domain.Actor {
	host, _ := os.Hostname()
	return domain.Actor{
		ID:        viper.GetString("actor-id"),
		Email:     viper.GetString("actor-email"),
		IP:        host,
		UserAgent: "atl-cli",
	}
}

func printJSONOrText(w io.Writer, v any, text func(io.Writer)) error {
	if viper.GetBool("json") || text == nil {
		return printJSON(w, v)
	}
	text(w)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp: %w", name, err)
	}
	return t, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
