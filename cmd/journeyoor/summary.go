package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/report"
)

var (
	summaryFile   string
	summaryOutput string
)

// maxMarkdownChars stays under the GitHub step summary limit.
const maxMarkdownChars = 65000

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Generate a markdown summary from an exported run document",
	Long: `Render an exported run document as markdown. The summary is appended to
$GITHUB_STEP_SUMMARY when set, written to --output when given, and printed
otherwise.`,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().StringVar(&summaryFile, "file", "", "Path to the exported run document")
	summaryCmd.Flags().StringVar(&summaryOutput, "output", "", "Output file path")

	_ = summaryCmd.MarkFlagRequired("file")
}

func runSummary(_ *cobra.Command, _ []string) error {
	data, err := execution.ReadFile(summaryFile)
	if err != nil {
		return err
	}

	md := report.RenderMarkdown(data, maxMarkdownChars)

	written := false

	if path := os.Getenv("GITHUB_STEP_SUMMARY"); path != "" {
		if err := appendFile(path, md); err != nil {
			return fmt.Errorf("writing step summary: %w", err)
		}

		log.WithField("path", path).Info("Step summary written")

		written = true
	}

	if summaryOutput != "" {
		if err := os.WriteFile(summaryOutput, []byte(md), 0o644); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}

		log.WithField("output", summaryOutput).Info("Markdown summary generated")

		written = true
	}

	if !written {
		fmt.Print(md)
	}

	return nil
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(content + "\n"); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}
