package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/sandbox"
)

// StudentConfig configures the Student stage.
type StudentConfig struct {
	NumStudents            int     `yaml:"num_students"`
	ComprehensionThreshold float64 `yaml:"comprehension_threshold"`
	// Parallel is how many students solve at once (default 1).
	Parallel int `yaml:"parallel"`
	// Timeout bounds each test run, excluding time queued for a sandbox
	// worker (default sandbox.StudentTimeout).
	Timeout time.Duration `yaml:"timeout"`
}

// StudentStage simulates a population of learners solving each microcase.
type StudentStage struct {
	llm      llm.Client
	verifier sandbox.Verifier
	cfg      StudentConfig
	logger   *zap.Logger
}

// NewStudentStage creates a Student stage.
func NewStudentStage(client llm.Client, verifier sandbox.Verifier, cfg StudentConfig, logger *zap.Logger) *StudentStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumStudents <= 0 {
		cfg.NumStudents = 5
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = sandbox.StudentTimeout
	}
	return &StudentStage{llm: client, verifier: verifier, cfg: cfg, logger: logger.Named("student")}
}

func (s *StudentStage) Name() string { return string(model.StageStudent) }

// Process has every simulated student solve the microcase and verifies each
// candidate under the student timeout.
func (s *StudentStage) Process(ctx context.Context, runDir string, expert model.ExpertResult) model.StudentResult {
	id := expert.CommentID
	logger := s.logger.With(zap.Int("comment_id", id))
	out := filepath.Join(CommentDir(runDir, id), studentOutDir)
	res := model.StudentResult{CommentID: id, SolutionsDir: out, Passed: []int{}, Failed: []int{}}

	if err := os.MkdirAll(out, 0o755); err != nil {
		logger.Error("creating student dir", zap.Error(err))
	}

	var mu sync.Mutex
	durations := make([]time.Duration, s.cfg.NumStudents)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)
	for i := 0; i < s.cfg.NumStudents; i++ {
		g.Go(func() error {
			start := time.Now()
			err := s.solve(gctx, i, out, expert.Microcase)
			durations[i] = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Debug("student failed", zap.Int("student", i), zap.Error(err))
				res.Failed = append(res.Failed, i)
			} else {
				res.Passed = append(res.Passed, i)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(res.Passed)
	sort.Ints(res.Failed)
	res.PassRatio = float64(len(res.Passed)) / float64(s.cfg.NumStudents)
	res.Accepted = res.PassRatio >= s.cfg.ComprehensionThreshold
	res.Duration = model.NewDurationStats(durations)

	logger.Info("student verdict",
		zap.Int("passed", len(res.Passed)),
		zap.Int("students", s.cfg.NumStudents),
		zap.Float64("ratio", res.PassRatio),
		zap.Bool("accepted", res.Accepted))
	return res
}

func (s *StudentStage) solve(ctx context.Context, i int, dir string, mc *model.Microcase) error {
	if mc == nil {
		return errors.New("no microcase")
	}
	req := fmt.Sprintf("%s\n\nMicrocase:\n%s\n\nWrite complete, working Python code that solves this problem:",
		StudentFraming(i), mc.Description)
	raw, err := s.llm.Complete(ctx, DefaultStudentPrompt, req)
	if err != nil {
		return fmt.Errorf("generating solution: %w", err)
	}
	sol := CleanCode(ctx, raw, false)
	if sol == "" {
		return errors.New("empty solution")
	}
	if err := writeFile(dir, fmt.Sprintf(studentSolution, i), sol); err != nil {
		return err
	}

	res := s.verifier.Verify(sandbox.WithRunTimeout(ctx, s.cfg.Timeout), sol, mc.TestSuite)
	if !res.Passed {
		return fmt.Errorf("tests failed: %s", model.Tail(res.Combined(), 500))
	}
	return nil
}
