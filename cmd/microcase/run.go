package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase"
	"github.com/jxucoder/microcase/pipeline"
)

var (
	runReviews string
	runProject string
	runOut     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on a CSV of review comments",
	Long: `Generate microcases offline from a CSV of review comments
(comment_id,file_path,line_number,comment,author) and the project they
refer to. Artifacts and script_report.json are written to the run directory.

Example:
  microcase run --reviews reviews.csv --project ./src --enable-tutor`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runReviews, "reviews", "r", "", "CSV file of review comments")
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "Directory holding the reviewed source files")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "Run directory (default <data_dir>/runs/<id>)")
	runCmd.Flags().Bool("enable-tutor", false, "Run the Tutor stage")
	runCmd.Flags().Bool("enable-student", false, "Run the Student stage")
	_ = runCmd.MarkFlagRequired("reviews")
	_ = runCmd.MarkFlagRequired("project")
	bindFlag("tutor.enabled", runCmd, "enable-tutor")
	bindFlag("student.enabled", runCmd, "enable-student")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	f, err := os.Open(runReviews)
	if err != nil {
		return fmt.Errorf("opening reviews: %w", err)
	}
	comments, err := pipeline.ReadCommentsCSV(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(comments) == 0 {
		return fmt.Errorf("%s has no review comments", runReviews)
	}

	project, err := filepath.Abs(runProject)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(project); err != nil || !fi.IsDir() {
		return fmt.Errorf("project %s is not a directory", runProject)
	}

	runDir := runOut
	if runDir == "" {
		runDir = filepath.Join(cfg.DataDir, "runs", ulid.Make().String())
	}

	app, err := microcase.NewBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app.StartWorkers(ctx)

	res, err := app.Pipeline().Run(ctx, pipeline.Input{
		RunDir:     runDir,
		SourceRoot: project,
		Comments:   comments,
	}, pipeline.Hooks{
		OnProgress: func(msg string) { logger.Info(msg) },
		OnAccepted: func(a pipeline.AcceptedMicrocase) {
			logger.Info("microcase accepted",
				zap.Int("comment", a.Comment.ID),
				zap.String("file", a.Comment.FilePath))
		},
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := renderReport(out, res.Report); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nArtifacts: %s\n", runDir)
	return nil
}
