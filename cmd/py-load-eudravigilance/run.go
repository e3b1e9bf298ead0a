package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gowthamrao/py-load-eudravigilance/internal/cache"
	"github.com/gowthamrao/py-load-eudravigilance/internal/config"
	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/orchestrator"
)

func newRunCmd(configFile *string) *cobra.Command {
	var (
		mode     string
		workers  int
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "run [source_uri]",
		Short: "Run one ETL pass: discover, extract, transform, load",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := resolveSettings(*configFile, cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				settings.SourceURI = args[0]
			}
			if workers > 0 {
				settings.Workers = workers
			}

			log, err := buildLogger(settings)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer log.Sync()

			loadMode := config.ModeDelta
			if mode == "full" {
				loadMode = config.ModeFull
			} else if mode != "" && mode != "delta" {
				return fmt.Errorf("run: --mode must be %q or %q, got %q", "full", "delta", mode)
			}

			ctx, cancel := signalContext()
			defer cancel()

			if validate {
				if err := runValidation(settings, log); err != nil {
					return err
				}
			}

			l, err := loader.Default.Open(ctx, settings.Database.DSN)
			if err != nil {
				return err
			}
			defer l.Close()

			o := orchestrator.New(settings, l, log)
			if settings.RedisAddr != "" {
				ttl := time.Duration(settings.RedisCacheTTL) * time.Second
				rc := cache.New(settings.RedisAddr, l, ttl, log)
				defer rc.Close()
				o.Cache = rc
				log.Info("run: completed-file-hash cache enabled", zap.String("redis_addr", settings.RedisAddr))
			}

			summary, err := o.Run(ctx, loadMode)
			if err != nil {
				return err
			}

			log.Info("summary",
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("failed", summary.Failed),
				zap.Int("skipped", summary.Skipped),
				zap.Int("total_rows", summary.TotalRows),
			)
			if summary.Failed > 0 {
				return fmt.Errorf("run: %d file(s) failed to process", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "delta", "load mode: full|delta")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker pool size (default: host CPU count)")
	cmd.Flags().BoolVar(&validate, "validate", false, "run XSD validation before processing")

	return cmd
}
