package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/app"
	"journeyline/internal/config"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/mcpapi"
	"journeyline/internal/server"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Journeyline CLI",
	Long: `Journeyline moves client businesses through the sales journey and keeps
campaign creator rosters consistent.
- Stages: Lead -> Contact Made -> Proposal Sent -> Briefing Meeting -> Scheduling -> Final Delivery -> Closed.
- Checklists: entering a stage seeds its template tasks; blocking tasks must be done before the business advances.
- Rosters: a campaign (<business>-<YYYY-MM>) holds numbered creator slots; a creator is booked at most once.
- Audit log: every change is appended and never rewritten, view it with 'jl audit tail'.
- Reconcile: re-syncs the relational store and the mirror sheets from the audit log.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOURNEYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(businessCmd())
	rootCmd.AddCommand(creatorCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage journeyline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var orgID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				orgID = viper.GetString("org")
			}
			path, err := app.Init(viper.GetString("workspace"), orgID, force)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "org id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate journeyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var entityType string
	var key engine.EntityKey
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-sync an entity's status fields from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseEntityType(entityType)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reconcile(ctx, engine.ReconcileInput{EntityType: t, Key: key, Actor: actor()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("synced: %t\n", res.Synced)
				if len(res.CorrectedFields) > 0 {
					fmt.Printf("corrected: %s\n", strings.Join(res.CorrectedFields, ", "))
				}
				if len(res.BackfilledFields) > 0 {
					fmt.Printf("backfilled: %s\n", strings.Join(res.BackfilledFields, ", "))
				}
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "entity type (business, campaign, assignment, task)")
	cmd.Flags().StringVar(&key.ID, "id", "", "entity id")
	cmd.Flags().StringVar(&key.Name, "name", "", "business name (deprecated, prefer --id)")
	cmd.Flags().StringVar(&key.Month, "month", "", "campaign month YYYY-MM, with --name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var subject string
	var roles, perms []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an HS256 token with JOURNEYLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = actor()
			}
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, perms)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id (defaults to --actor-id)")
	issue.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "role (repeatable)")
	issue.Flags().StringSliceVar(&perms, "permission", nil, "extra permission (repeatable)")
	tok.AddCommand(issue)
	return tok
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeader, noMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, MCP endpoint and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JOURNEYLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			extra := map[string]http.Handler{}
			if !noMCP {
				mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
					ServerName:    "journeyline",
					ServerVersion: version,
					EndpointPath:  "/mcp",
					Principal:     server.PrincipalFromRequest,
				}, rt.Engine)
				if err != nil {
					return err
				}
				extra["/mcp"] = mcpHandler
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowDevActorHeader: devHeader},
				Log:      rt.Log,
				Extra:    extra,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, rt.Engine, rt.Log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			rt.Log.Info().Str("addr", addr).Str("base_path", basePath).Bool("mcp", !noMCP).Msg("serving journeyline api")
			fmt.Printf("Serving Journeyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devHeader, "allow-dev-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "do not mount the MCP endpoint")
	return cmd
}

// --- helpers ---

func actor() string {
	return viper.GetString("actor-id")
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		OrgID:     viper.GetString("org"),
		LogOutput: os.Stderr,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	// Follow-up seeding must finish before the process exits.
	rt.Engine.Async = func(f func()) { f() }
	return fn(ctx, rt.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printWarnings(ws []engine.ConsistencyWarning) {
	for _, w := range ws {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Op, w.Detail)
	}
}

func parseOptionalStage(raw string) (domain.Stage, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return domain.ParseStage(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
