// Command py-load-eudravigilance is the CLI entry point. It stays
// thin: every subcommand resolves Settings and calls straight into the
// internal packages, one command at a time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gowthamrao/py-load-eudravigilance/internal/config"
	"github.com/gowthamrao/py-load-eudravigilance/internal/logging"

	_ "github.com/gowthamrao/py-load-eudravigilance/internal/loader/duckdb"
	_ "github.com/gowthamrao/py-load-eudravigilance/internal/loader/postgres"
	_ "github.com/gowthamrao/py-load-eudravigilance/internal/loader/redshift"
	_ "github.com/gowthamrao/py-load-eudravigilance/internal/loader/sqlserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "py-load-eudravigilance",
		Short:         "Streaming ETL engine for ICH E2B(R3) pharmacovigilance XML",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to an optional YAML config file")

	root.AddCommand(newRunCmd(&configFile))
	root.AddCommand(newInitDBCmd(&configFile))
	root.AddCommand(newValidateCmd(&configFile))
	root.AddCommand(newValidateDBSchemaCmd(&configFile))

	return root
}

// resolveSettings loads Settings with flags bound so any explicit CLI
// flag wins over the environment overlay, which in turn wins over the
// YAML file.
func resolveSettings(configFile string, cmd *cobra.Command) (*config.Settings, error) {
	return config.Load(configFile, cmd.Flags())
}

// signalContext returns a context canceled on SIGINT/SIGTERM so a
// partially-processed batch can still write its history rows cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func buildLogger(s *config.Settings) (*zap.Logger, error) {
	return logging.New(s.Log.Level, s.Log.Format)
}
