package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
)

func newInitDBCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create every table the engine needs, idempotently",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := resolveSettings(*configFile, cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger(settings)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			l, err := loader.Default.Open(ctx, settings.Database.DSN)
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.CreateAllTables(ctx); err != nil {
				return err
			}
			log.Info("init-db: all tables created")
			return nil
		},
	}
}

func newValidateDBSchemaCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-db-schema",
		Short: "Check that the target database has every expected table and column",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := resolveSettings(*configFile, cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger(settings)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			l, err := loader.Default.Open(ctx, settings.Database.DSN)
			if err != nil {
				return err
			}
			defer l.Close()

			ok, err := l.ValidateSchema(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("validate-db-schema: schema mismatch: run init-db")
			}
			log.Info("validate-db-schema: schema matches")
			return nil
		},
	}
}
