package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/report"
	"github.com/ethpandaops/journeyoor/pkg/upload"
)

var uploadReportFile string

var uploadReportCmd = &cobra.Command{
	Use:   "upload-report",
	Short: "Upload an exported run document to S3-compatible storage",
	Long:  `Upload an exported run document and its markdown summary using the upload config settings.`,
	RunE:  runUploadReport,
}

func init() {
	rootCmd.AddCommand(uploadReportCmd)
	uploadReportCmd.Flags().StringVar(&uploadReportFile, "file", "",
		"Path to the exported run document")

	_ = uploadReportCmd.MarkFlagRequired("file")
}

func runUploadReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Upload.Enabled {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	data, err := execution.ReadFile(uploadReportFile)
	if err != nil {
		return err
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	ctx := cmd.Context()

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("s3 preflight: %w", err)
	}

	prefix, err := uploader.UploadRun(ctx, data, report.RenderMarkdown(data, maxMarkdownChars))
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}

	log.WithField("prefix", prefix).Info("Upload completed successfully")

	return nil
}
