package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/journeyoor/pkg/ingest"
)

var (
	ingestFile   string
	ingestSource string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest an exported run document into the result store",
	Long: `Store an exported run document as a raw log through the REST surface,
then build the run, journey and step rows from it.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Path to the exported run document")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "cli", "Source tag stored on the raw log")

	_ = ingestCmd.MarkFlagRequired("file")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(ingestFile)
	if err != nil {
		return fmt.Errorf("reading run document: %w", err)
	}

	logger := ingest.NewLogger(log, &cfg.Store)
	if !logger.Enabled() {
		return fmt.Errorf("result store is not configured (set store.url and store.api_key)")
	}

	id, ok := logger.Ingest(cmd.Context(), payload, ingestSource)
	if id == "" {
		return fmt.Errorf("raw log was not stored")
	}

	if !ok {
		return fmt.Errorf("raw log %s stored but processing failed", id)
	}

	log.WithField("raw_log_id", id).Info("Run document ingested")

	return nil
}
