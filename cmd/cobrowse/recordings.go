package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/export"
)

var recordingsCmd = &cobra.Command{
	Use:     "recordings",
	Aliases: []string{"rec"},
	Short:   "Manage stored recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recordings, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRecordingsList,
}

var recordingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the actions of one recording",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordingsShow,
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recording",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordingsDelete,
}

var recordingsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a recording as JSON or a test script",
	Long: `Renders a recording in one of the export formats. Script formats produce
a runnable Playwright, Puppeteer or Cypress test; json produces a document that
"recordings import" reads back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordingsExport,
}

var recordingsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON export into the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordingsImport,
}

var (
	exportFormat string
	exportOutput string
)

func init() {
	recordingsExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json",
		"Export format ("+strings.Join(export.NewRegistry().List(), ", ")+")")
	recordingsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	recordingsCmd.AddCommand(recordingsListCmd)
	recordingsCmd.AddCommand(recordingsShowCmd)
	recordingsCmd.AddCommand(recordingsDeleteCmd)
	recordingsCmd.AddCommand(recordingsExportCmd)
	recordingsCmd.AddCommand(recordingsImportCmd)
}

func runRecordingsList(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	_, rec, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := rec.ListRecordings()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No recordings.")
		return nil
	}
	writeSummaries(out, list)
	return nil
}

func writeSummaries(out io.Writer, list []domain.RecordingSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTARTED\tACTIONS\tSHOTS\tDURATION")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Name,
			time.UnixMilli(s.StartTime).Format(time.DateTime),
			s.ActionCount, s.ScreenshotCount,
			(time.Duration(s.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	_ = w.Flush()
}

func runRecordingsShow(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	_, rec, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	r, err := rec.GetRecording(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	writeSummaries(out, []domain.RecordingSummary{r.Summary()})
	fmt.Fprintf(out, "\nStart URL: %s\n\n", r.StartURL)
	for i, a := range r.Actions {
		status := ""
		if a.Result != nil && !a.Result.Success {
			status = "  [failed: " + a.Result.Error + "]"
		}
		fmt.Fprintf(out, "%3d  +%6dms  %s%s\n", i, a.Timestamp-r.StartTime, domain.Describe(a.Action), status)
	}
	return nil
}

func runRecordingsDelete(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	_, rec, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deleted, err := rec.DeleteRecording(args[0])
	if err != nil {
		return err
	}
	if deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "No recording %s\n", args[0])
	}
	return nil
}

func runRecordingsExport(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	_, rec, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	r, err := rec.GetRecording(args[0])
	if err != nil {
		return err
	}
	out, err := export.NewRegistry().Export(r, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	}
	if err := os.WriteFile(exportOutput, []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", exportOutput)
	return nil
}

func runRecordingsImport(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	r, skipped, err := export.ImportJSON(data)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		logger.Warn("skipped malformed action", zap.Int("index", s.Index), zap.Error(s.Err))
	}

	_, rec, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := rec.SaveRecording(r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d actions, %d skipped)\n", r.ID, len(r.Actions), len(skipped))
	return nil
}
