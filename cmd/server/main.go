package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/logging"
	"github.com/NicolasHaas/seawire/pkg/server"
	"github.com/NicolasHaas/seawire/pkg/version"
)

type globalFlags struct {
	configFile string
	dbPath     string
	logLevel   string
	logFormat  string
}

func main() {
	var g globalFlags
	cfg := server.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:           "seawire",
		Short:         "seawire real-time notification server",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(logging.Options{
				Level:  g.logLevel,
				Format: g.logFormat,
				Output: os.Stdout,
			}); err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}
			if g.configFile != "" {
				if err := server.LoadConfigFile(g.configFile, &cfg); err != nil {
					return err
				}
			}
			// explicit flags win over the config file
			if cmd.Flags().Changed("db") {
				cfg.DBPath = g.dbPath
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "YAML server config file")
	pf.StringVar(&g.dbPath, "db", cfg.DBPath, "SQLite database file path")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: "+logging.LevelNames())
	pf.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(serveCmd(&cfg), exportUsersCmd(&cfg), importUsersCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd(cfg *server.Config) *cobra.Command {
	var httpAddr, ledgerURL, settingsFile, usersFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long: `Run the seawire server until interrupted.

Counters live in the store named by --ledger-url:
  redis://host:port/db   shared redis
  badger:///path/to/dir  embedded badger directory
  badger://memory        in-memory badger, lost on exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("ledger-url") {
				cfg.LedgerURL = ledgerURL
			}
			if flags.Changed("settings") {
				cfg.SettingsFile = settingsFile
			}
			if flags.Changed("users") {
				cfg.UsersFile = usersFile
			}

			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			srv, err := server.New(*cfg, server.Dependencies{Store: st})
			if err != nil {
				_ = st.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			slog.Info("starting seawire", "version", version.String(), "db", cfg.DBPath, "ledger", cfg.LedgerURL)
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&httpAddr, "http-addr", cfg.HTTPAddr, "HTTP bind address")
	f.StringVar(&ledgerURL, "ledger-url", cfg.LedgerURL, "Counter store URL (redis:// or badger://)")
	f.StringVar(&settingsFile, "settings", "", "YAML runtime settings file, reloaded on change")
	f.StringVar(&usersFile, "users", "", "YAML file of users to create on startup")
	return cmd
}

func exportUsersCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export-users",
		Short: "Print every user as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = st.Close() }()

			data, err := server.ExportUsersYAML(cmd.Context(), st.NonTx())
			if err != nil {
				return fmt.Errorf("export users: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func importUsersCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import-users FILE",
		Short: "Create the users listed in a YAML file",
		Long:  "Create every user in FILE that does not exist yet. Existing users are left unchanged.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = st.Close() }()

			n, err := server.LoadUsersFromYAML(cmd.Context(), args[0], st.NonTx())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d users\n", n)
			return nil
		},
	}
}
