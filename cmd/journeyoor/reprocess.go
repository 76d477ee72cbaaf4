package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

var reprocessIncludeFailed bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Process raw logs that have not been processed yet",
	Long: `Run one raw log processing pass directly against the configured
database, ignoring the grace period.`,
	RunE: runReprocess,
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
	reprocessCmd.Flags().BoolVar(&reprocessIncludeFailed, "include-failed", false,
		"Also retry raw logs whose processing failed before")
}

func runReprocess(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	ctx := cmd.Context()

	db := store.NewStore(log, &cfg.API.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	logger := ingest.NewLogger(log, &config.StoreConfig{MaxRetries: 1},
		ingest.WithSink(ingest.NewStoreSink(db)))

	procCfg := cfg.API.Processing
	procCfg.GracePeriod = 0
	procCfg.IncludeFailed = procCfg.IncludeFailed || reprocessIncludeFailed

	result, err := ingest.NewProcessor(log, logger, procCfg).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("processing raw logs: %w", err)
	}

	if result.Failed > 0 {
		return fmt.Errorf("%d raw log(s) failed processing", result.Failed)
	}

	return nil
}
