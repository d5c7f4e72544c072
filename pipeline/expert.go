package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/sandbox"
)

// ExpertConfig configures the Expert stage.
type ExpertConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	MaxSolutionAttempts int           `yaml:"max_solution_attempts"`
	Context             ContextConfig `yaml:",inline"`
}

func (c ExpertConfig) withDefaults() ExpertConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.MaxSolutionAttempts <= 0 {
		c.MaxSolutionAttempts = 3
	}
	if c.Context.MaxSymbols == 0 {
		c.Context.MaxSymbols = 5000
	}
	return c
}

// ExpertStage generates a description, a test suite and a verified reference
// solution for each comment.
type ExpertStage struct {
	llm      llm.Client
	verifier sandbox.Verifier
	cfg      ExpertConfig
	logger   *zap.Logger
}

// NewExpertStage creates an Expert stage.
func NewExpertStage(client llm.Client, verifier sandbox.Verifier, cfg ExpertConfig, logger *zap.Logger) *ExpertStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpertStage{llm: client, verifier: verifier, cfg: cfg.withDefaults(), logger: logger.Named("expert")}
}

func (s *ExpertStage) Name() string { return string(model.StageExpert) }

// Process runs the Expert retry loop for one comment. It never fails; all
// problems are recorded as failed attempts.
func (s *ExpertStage) Process(ctx context.Context, runDir string, tree SourceTree, c model.ReviewComment) model.ExpertResult {
	logger := s.logger.With(zap.Int("comment_id", c.ID))
	source := BuildContext(tree, s.cfg.Context, c)

	var mc *model.Microcase
	res := RunAttempts(ctx, AttemptOptions{
		Stage:     model.StageExpert,
		CommentID: c.ID,
		Root:      filepath.Join(CommentDir(runDir, c.ID), expertOutDir),
		Max:       s.cfg.MaxAttempts,
	}, logger, func(ctx context.Context, a *Attempt) (bool, error) {
		got, err := s.attempt(ctx, a, c, source)
		if err != nil {
			return false, err
		}
		mc = got
		return true, nil
	})

	if res.Success {
		logger.Info("generated microcase", zap.Int("attempts", res.Attempts))
	} else {
		logger.Warn("no valid microcase", zap.Int("attempts", res.Attempts))
	}
	return model.ExpertResult{
		StageResult:      res,
		SourceFilePath:   c.FilePath,
		SourceLineNumber: c.LineNumber,
		ReviewComment:    c.Text,
		Microcase:        mc,
	}
}

func (s *ExpertStage) attempt(ctx context.Context, a *Attempt, c model.ReviewComment, source string) (*model.Microcase, error) {
	desc, err := s.llm.Complete(ctx, DefaultDescriptionPrompt, descriptionRequest(c, source))
	if err != nil {
		return nil, fmt.Errorf("generating description: %w", err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return nil, errors.New("empty description")
	}
	a.Log.Debug("generated description", zap.Int("chars", len(desc)))

	rawTests, err := s.llm.Complete(ctx, DefaultTestSuitePrompt, "Microcase:\n"+desc+"\n\nProvide complete, valid Python test code that imports from solution_expert:")
	if err != nil {
		return nil, fmt.Errorf("generating tests: %w", err)
	}
	tests := CleanCode(ctx, rawTests, true)
	if tests == "" {
		return nil, errors.New("empty test suite")
	}
	if tests == StubSource {
		a.Log.Warn("test suite did not parse, using stub")
	}

	mc := &model.Microcase{CommentID: c.ID, Description: desc, TestSuite: tests}
	if err := WriteMicrocase(a.Dir, mc); err != nil {
		return nil, err
	}

	var last string
	for i := 0; i < s.cfg.MaxSolutionAttempts; i++ {
		log := a.Log.With(zap.Int("solution_try", i+1))
		raw, err := s.llm.Complete(ctx, DefaultSolutionPrompt, solutionRequest(desc, tests))
		if err != nil {
			log.Warn("generating solution", zap.Error(err))
			continue
		}
		sol := CleanCode(ctx, raw, false)
		if sol == "" {
			log.Warn("empty solution")
			continue
		}
		last = sol
		if err := writeFile(a.Dir, SolutionFile, sol); err != nil {
			return nil, err
		}
		if missing := MissingNames(ctx, sol, tests, sandbox.ModuleName); len(missing) > 0 {
			log.Debug("solution does not define imported names", zap.Strings("missing", missing))
		}

		res := s.verifier.Verify(ctx, sol, tests)
		if res.Passed {
			log.Info("solution passed tests")
			mc.ReferenceSolution = sol
			return mc, nil
		}
		log.Debug("solution failed tests", zap.String("output", model.Tail(res.Combined(), 2000)))
	}

	os.Remove(filepath.Join(a.Dir, SolutionFile))
	if last != "" {
		if err := writeFile(a.Dir, FailedSolutionFile, last); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no solution passed after %d tries", s.cfg.MaxSolutionAttempts)
}

func descriptionRequest(c model.ReviewComment, source string) string {
	return fmt.Sprintf("File: %s\nLine: %d\nComment: %s\n\nContext:\n%s\n\nMicrocase description:",
		c.FilePath, c.LineNumber, c.Text, source)
}

func solutionRequest(desc, tests string) string {
	return fmt.Sprintf("Microcase:\n%s\n\nTest Suite:\n%s\n\nProvide complete, valid Python solution code (implementation only, no tests):",
		desc, tests)
}
