package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/sandbox"
)

// MinTutorThreshold is the lowest acceptance threshold the Tutor applies,
// whatever is configured.
const MinTutorThreshold = 0.5

// TutorConfig configures the Tutor stage.
type TutorConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`
	// WithSource adds the embedded source of the comment to the solve request.
	WithSource bool `yaml:"with_source"`
	// Context bounds that source. New fills it from the Expert's settings.
	Context ContextConfig `yaml:"-"`
}

// EffectiveThreshold returns the configured threshold floored at MinTutorThreshold.
func (c TutorConfig) EffectiveThreshold() float64 {
	return max(c.AcceptanceThreshold, MinTutorThreshold)
}

// TutorStage re-solves each microcase from its description alone, checks the
// solution against the Expert's tests and scores the microcase.
type TutorStage struct {
	llm      llm.Client
	verifier sandbox.Verifier
	cfg      TutorConfig
	logger   *zap.Logger
}

// NewTutorStage creates a Tutor stage.
func NewTutorStage(client llm.Client, verifier sandbox.Verifier, cfg TutorConfig, logger *zap.Logger) *TutorStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Context == (ContextConfig{}) {
		cfg.Context = ExpertConfig{}.withDefaults().Context
	}
	logger = logger.Named("tutor")
	if cfg.AcceptanceThreshold < MinTutorThreshold {
		logger.Warn("acceptance threshold below floor, using floor",
			zap.Float64("configured", cfg.AcceptanceThreshold),
			zap.Float64("effective", MinTutorThreshold))
	}
	return &TutorStage{llm: client, verifier: verifier, cfg: cfg, logger: logger}
}

func (s *TutorStage) Name() string { return string(model.StageTutor) }

// Process runs the Tutor retry loop for one Expert success.
func (s *TutorStage) Process(ctx context.Context, runDir string, tree SourceTree, expert model.ExpertResult) model.TutorResult {
	id := expert.CommentID
	logger := s.logger.With(zap.Int("comment_id", id))
	threshold := s.cfg.EffectiveThreshold()

	var grounding string
	if s.cfg.WithSource {
		grounding = BuildContext(tree, s.cfg.Context, model.ReviewComment{
			ID: id, FilePath: expert.SourceFilePath, LineNumber: expert.SourceLineNumber,
		})
	}

	var last Score
	res := RunAttempts(ctx, AttemptOptions{
		Stage:     model.StageTutor,
		CommentID: id,
		Root:      filepath.Join(CommentDir(runDir, id), tutorOutDir),
		Max:       s.cfg.MaxAttempts,
	}, logger, func(ctx context.Context, a *Attempt) (bool, error) {
		score, err := s.attempt(ctx, a, expert.Microcase, grounding)
		if err != nil {
			return false, err
		}
		last = score
		a.Log.Info("tutor score", zap.Float64("score", score.Value), zap.String("strategy", score.Strategy))
		return score.Value >= threshold, nil
	})

	logger.Info("tutor verdict", zap.Bool("accepted", res.Success), zap.Float64("score", last.Value))
	return model.TutorResult{
		StageResult: res,
		Accepted:    res.Success,
		Score:       last.Value,
		Review:      last.Text,
	}
}

func (s *TutorStage) attempt(ctx context.Context, a *Attempt, mc *model.Microcase, grounding string) (Score, error) {
	if mc == nil {
		return Score{}, errors.New("no microcase")
	}

	req := "Microcase:\n" + mc.Description
	if grounding != "" {
		req += "\n\nOriginal source for reference:\n" + grounding
	}
	raw, err := s.llm.Complete(ctx, DefaultTutorSolvePrompt, req)
	if err != nil {
		return Score{}, fmt.Errorf("generating tutor solution: %w", err)
	}
	sol := CleanCode(ctx, raw, false)
	if strings.TrimSpace(sol) == "" {
		return Score{}, errors.New("empty tutor solution")
	}
	if err := writeFile(a.Dir, TutorSolutionFile, sol); err != nil {
		return Score{}, err
	}

	res := s.verifier.Verify(ctx, sol, mc.TestSuite)
	if !res.Passed {
		a.Log.Debug("tutor solution failed expert tests", zap.String("output", model.Tail(res.Combined(), 2000)))
		return Score{}, errors.New("tutor solution failed expert tests")
	}

	review, err := s.llm.Complete(ctx, DefaultTutorReviewPrompt, "Microcase:\n"+mc.Description+"\n\nJSON Response:")
	if err != nil {
		return Score{}, fmt.Errorf("generating review: %w", err)
	}
	score := ParseScore(review)
	if err := writeJSON(filepath.Join(a.Dir, TutorReviewFile), score); err != nil {
		return Score{}, fmt.Errorf("writing review: %w", err)
	}
	return score, nil
}
