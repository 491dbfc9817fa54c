package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lobbyline/internal/app"
	"lobbyline/internal/config"
	"lobbyline/internal/db"
	"lobbyline/internal/domain"
	"lobbyline/internal/events"
	"lobbyline/internal/migrate"
	"lobbyline/internal/repo"
	"lobbyline/internal/server"
	lobbylinesdk "lobbyline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "lobby",
	Short: "Lobbyline CLI",
	Long: `Lobbyline coordinates a walk-in queue for service branches.
Core concepts:
- Branch: a physical location with a maximum occupancy and a grace period.
- Ticket: one customer's place in line. Customers wait remotely, get invited when a seat frees up, and must walk in before the grace period runs out.
- Demotion: an invited customer who does not show up in time drops back a few places.
- Serve: 'lobby serve' runs the coordinator and its HTTP API; the other commands talk to it.
- Event log: every change is recorded, view with 'lobby log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		envFile := filepath.Join(workspace, ".env")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		logger, err := newLogger(viper.GetString("log-format"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOBBYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "server", "token", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(branchCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			a, err := app.Bootstrap(cmd.Context(), app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				a.Close(context.Background())
				return fmt.Errorf("LOBBYLINE_JWT_SECRET is required for bearer auth")
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				a.Close(context.Background())
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				a.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving lobbyline API", "addr", "http://"+addr+basePath, "docs", "/docs", "metrics", "/metrics")
			serveErr := srv.ListenAndServe()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			closeErr := a.Close(ctx)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return closeErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "trust X-Actor-Role without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var branchID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default lobbyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(branchID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "main", "id of the seeded branch")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg != nil {
				return printJSON(cfg)
			}
			err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err = app.ResolveConfig(ctx, workspace, r)
				return err
			})
			if errors.Is(err, db.ErrNoDatabase) {
				cfg, err = config.Default("main"), nil
			}
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
		Short: "Validate lobbyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d branch(es)\n", len(cfg.Branches))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one grace-period sweep on the server (system role)",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := apiClient().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			fmt.Printf("demoted %d, promoted %d\n", len(report.Demoted), len(report.Promoted))
			for id, msg := range report.Failures {
				fmt.Printf("failed %s: %s\n", id, msg)
			}
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change: joins, promotions, demotions, occupancy.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var decode bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events from the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if !decode {
						return printJSON(items)
					}
					out := make([]domain.Event, 0, len(items))
					for _, item := range items {
						evt, err := events.Decode(item)
						if err != nil {
							return err
						}
						out = append(out, evt)
					}
					return printJSON(out)
				}
				renderEvents(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.BranchID, "branch", "", "branch filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.TicketID, "ticket", "", "ticket filter")
	cmd.Flags().BoolVar(&decode, "decode", false, "with --json, print decoded events instead of rows")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with LOBBYLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := domain.ParseActor(role)
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, actor, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().StringVar(&role, "role", "reception", "system, reception, teller or customer")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime, 0 for none")
	return cmd
}

// --- helpers ---

func apiClient() *lobbylinesdk.Client {
	return lobbylinesdk.New(viper.GetString("server"), viper.GetString("token"))
}

// withRepo opens the workspace database read-only; the server owns writes.
func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace, ReadOnly: true})
	if err != nil {
		return err
	}
	defer conn.Close()
	if pending, err := migrate.Pending(conn); err != nil {
		return err
	} else if pending > 0 {
		return fmt.Errorf("database schema is %d migration(s) behind; run lobby serve to upgrade", pending)
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrRender(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}
