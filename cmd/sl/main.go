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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
	"stageline/internal/telemetry"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline runs campaign workflows: chains of stages through which cases travel.
- Campaign: a blueprint of tracks, ranks, chains and stages, imported from YAML.
- Stage: a form to fill (task) or a routing decision (conditional).
- Case: one journey through a chain; every stage it visits gets a task.
- Ranks: held per campaign, they gate who may create, pick up, submit and list tasks.
- Event log: every mutation is recorded, view with 'sl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user email (registered on first use)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Println("schema version", v)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for a user id or email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if settings.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set (STAGELINE_SERVER_JWT_SECRET)")
			}
			token, err := server.IssueToken(settings.Server.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var hookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			settings, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				settings.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				settings.Server.BasePath = basePath
			}
			if settings.Server.JWTSecret == "" && !settings.Server.AllowUserHeader {
				return fmt.Errorf("server.jwt_secret is required unless server.allow_user_header is set")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := telemetry.Init(ctx, "stageline", version, telemetry.Options{
				Enabled: settings.Telemetry.Enabled,
				Stdout:  settings.Telemetry.Stdout,
			}); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			ws, err := app.Open(ctx, workspace, settings, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: settings.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:       settings.Server.JWTSecret,
					AllowUserHeader: settings.Server.AllowUserHeader,
				},
				Logger: logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: settings.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			hooks := &server.EventHooks{
				Repo:     ws.Engine.Repo,
				Hooks:    settings.EventHooks,
				Interval: hookInterval,
				Logger:   logger.Named("event_hooks"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving stageline API",
					zap.String("addr", settings.Server.Addr),
					zap.String("base_path", settings.Server.BasePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return hooks.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", config.DefaultBasePath, "API base path")
	cmd.Flags().DurationVar(&hookInterval, "hook-interval", 2*time.Second, "event hook polling interval")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ws, err := app.Open(ctx, viper.GetString("workspace"), nil, logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

// withActor resolves --user into a registered user id before running fn.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, int64) error) error {
	email := strings.TrimSpace(viper.GetString("user"))
	if email == "" {
		return fmt.Errorf("--user (or STAGELINE_USER) is required")
	}
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		u, err := ws.Engine.EnsureUser(ctx, email)
		if err != nil {
			return err
		}
		return fn(ctx, ws.Engine, u.ID)
	})
}

// describe renders engine errors with their kind so scripts can match on it.
func describe(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		msg := fmt.Sprintf("%s: %s", ee.Kind, ee.Message)
		if engine.IsRetryable(err) {
			msg += " (retry)"
		}
		return msg
	}
	return err.Error()
}

func parseResponses(raw, file string) (domain.Responses, error) {
	if raw == "" && file == "" {
		return nil, nil
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	var out domain.Responses
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("responses must be a JSON object: %w", err)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	return printTasks([]domain.Task{t})
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Task{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Stage", "Case", "Assignee", "Complete", "In", "Updated"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.StageID, optionalID(t.CaseID), optionalID(t.AssigneeID), completeLabel(t), joinIDs(t.InTasks), t.UpdatedAt})
	}
	tw.Render()
	return nil
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

func completeLabel(t domain.Task) string {
	switch {
	case t.ForceComplete:
		return "forced"
	case t.Complete:
		return "yes"
	case t.Reopened:
		return "reopened"
	}
	return "no"
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
