package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/jxucoder/microcase/model"
)

var reportCmd = &cobra.Command{
	Use:   "report [script_report.json]",
	Short: "Render a run's final report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	var entries []model.ReportEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return fmt.Errorf("parsing report: %w", err)
	}
	return renderReport(cmd.OutOrStdout(), entries)
}

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
)

// renderReport prints one row per comment followed by a summary line.
func renderReport(w io.Writer, entries []model.ReportEntry) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"ID", "FILE", "LINE", "ACCEPTED", "EXPERT", "TUTOR", "SCORE", "PASS RATIO", "TIME"})

	accepted := 0
	for _, e := range entries {
		verdict := red("no")
		if e.Accepted {
			verdict = green("yes")
			accepted++
		}
		if err := table.Append([]string{
			strconv.Itoa(e.CommentID),
			e.SourceFilePath,
			strconv.Itoa(e.SourceLineNumber),
			verdict,
			strconv.Itoa(e.AttemptsExpert),
			attemptsOrDash(e.AttemptsTutor, e.TutorScore != nil),
			floatOrDash(e.TutorScore),
			floatOrDash(e.PassRatio),
			totalDuration(e.StageDuration).Round(time.Millisecond).String(),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	pct := 0.0
	if len(entries) > 0 {
		pct = 100 * float64(accepted) / float64(len(entries))
	}
	summary := fmt.Sprintf("%d/%d accepted (%.1f%%)", accepted, len(entries), pct)
	if accepted == 0 {
		summary = yellow(summary)
	}
	_, err := fmt.Fprintf(w, "\n%s\n", summary)
	return err
}

func attemptsOrDash(n int, ran bool) string {
	if !ran {
		return "-"
	}
	return strconv.Itoa(n)
}

func floatOrDash(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}

func totalDuration(d model.StageDurations) (total time.Duration) {
	total = d.Expert.Total
	if d.Tutor != nil {
		total += d.Tutor.Total
	}
	if d.Student != nil {
		total += d.Student.Total
	}
	return total
}
