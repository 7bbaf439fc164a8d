package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hive-corporation/ioc-connectors/internal/config"
	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Import IOC feeds into the threat intelligence platform",
		Long: fmt.Sprintf(`connector reads indicators of compromise from a CSV drop directory or a
remote IP list, turns new values into observables, indicators and a report,
and publishes them to the platform on a fixed interval.

Build Info: Commit %s`, commit),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the configuration")

	rootCmd.AddCommand(newRunCmd(false), newRunCmd(true), newStateCmd(), newEnrichCmd())
	return rootCmd
}

func newRunCmd(once bool) *cobra.Command {
	use, short := "run", "Run the connector loop until interrupted"
	if once {
		use, short = "once", "Run a single cycle and exit"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if once {
				cfg.Connector.Once = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(ctx)
		},
	}
}

func newStateCmd() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the persisted run state",
	}

	stateCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted run state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.Load(cmd.Context(), cfg.Connector.Name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	})

	stateCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the last run and snapshot so the next cycle republishes everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(cmd.Context(), cfg.Connector.Name, domain.RunState{Snapshot: domain.KeySet{}}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state of %s reset\n", cfg.Connector.Name)
			return nil
		},
	})
	return stateCmd
}

func newEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <observable-id> <value>",
		Short: "Attach the VirusTotal reference of a value to an existing observable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			publisher := newPublisher(cfg, newPlatform(cfg, logger), logger)
			refID, err := publisher.EnrichObservable(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), refID)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(configPath, files...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
