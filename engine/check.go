package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/pipeline"
)

// MaxExplanation bounds the test output returned for a failed check.
const MaxExplanation = 4000

// Check statuses.
const (
	CheckPassed = "passed"
	CheckFailed = "failed"
)

// CheckRequest asks to verify a solution against a generated microcase.
// SourceReference is optional and selects a cached run instead of the
// requester's latest session.
type CheckRequest struct {
	RequesterID     string
	MicrocaseID     int
	Solution        string
	SourceReference string
}

// CheckResult is the outcome of a check.
type CheckResult struct {
	Status      string `json:"status"`
	Explanation string `json:"explanation,omitempty"`
}

// EvaluateRequest asks to grade a requester's written review.
type EvaluateRequest struct {
	RequesterID     string
	ReviewText      string
	SourceReference string
}

// Evaluation is a graded review.
type Evaluation struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// SessionContext returns the requester's latest session context, or nil.
func (e *Engine) SessionContext(requesterID string) *SessionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contexts[requesterID]
}

// resolve finds the session context a request addresses.
func (e *Engine) resolve(requesterID, sourceReference string) (*SessionContext, error) {
	sc := e.SessionContext(requesterID)
	if sourceReference == "" {
		if sc == nil {
			return nil, ErrSessionNotFound
		}
		return sc, nil
	}

	key := CacheKey(sourceReference)
	if sc != nil && sc.CacheKey == key {
		return sc, nil
	}
	if e.cache == nil {
		return nil, ErrSessionNotFound
	}
	entries, err := e.cache.GetMicrocases(key)
	if err != nil {
		return nil, fmt.Errorf("reading cached microcases: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrSessionNotFound
	}
	solved, err := e.cache.Solved(requesterID, key)
	if err != nil {
		return nil, fmt.Errorf("reading solved microcases: %w", err)
	}
	return restoredContext(key, entries, solved), nil
}

// CheckMicrocase runs a solution against the stored test suite of a microcase.
// Nothing is regenerated.
func (e *Engine) CheckMicrocase(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	sc, err := e.resolve(req.RequesterID, req.SourceReference)
	if err != nil {
		return nil, err
	}
	entry, err := sc.Lookup(req.MicrocaseID)
	if err != nil {
		return nil, err
	}
	mc, err := pipeline.LoadMicrocase(entry.Dir, entry.MicrocaseID)
	if err != nil {
		return nil, fmt.Errorf("loading microcase %d: %w", entry.MicrocaseID, err)
	}

	res := e.verifier.Verify(ctx, req.Solution, mc.TestSuite)
	e.logger.Info("checked solution",
		zap.String("requester", req.RequesterID),
		zap.Int("microcase", entry.MicrocaseID),
		zap.Bool("passed", res.Passed))
	if !res.Passed {
		return &CheckResult{Status: CheckFailed, Explanation: model.Tail(res.Combined(), MaxExplanation)}, nil
	}

	sc.markSolved(entry.MicrocaseID)
	if e.cache != nil {
		if err := e.cache.MarkSolved(req.RequesterID, sc.CacheKey, entry.MicrocaseID); err != nil {
			e.logger.Warn("recording solved microcase", zap.Error(err))
		}
	}
	return &CheckResult{Status: CheckPassed}, nil
}

// EvaluateReview grades a review against every microcase the requester solved.
func (e *Engine) EvaluateReview(ctx context.Context, req EvaluateRequest) (*Evaluation, error) {
	sc, err := e.resolve(req.RequesterID, req.SourceReference)
	if err != nil {
		return nil, err
	}
	solved := sc.Solved()
	if e.cache != nil && sc.SessionID != "" {
		solved = e.mergeCachedSolved(req.RequesterID, sc, solved)
	}
	if len(solved) == 0 {
		return nil, ErrNothingSolved
	}
	if e.reviewer == nil {
		return nil, fmt.Errorf("no reviewer LLM configured")
	}

	resp, err := e.reviewer.Complete(ctx, pipeline.DefaultReviewerPrompt, reviewRequest(solved, req.ReviewText))
	if err != nil {
		return nil, fmt.Errorf("grading review: %w", err)
	}
	score := pipeline.ParseReviewScore(resp)
	eval := &Evaluation{
		Score:    clampScore(score.Value),
		Feedback: strings.TrimSpace(score.Text),
	}
	e.logger.Info("evaluated review",
		zap.String("requester", req.RequesterID),
		zap.Int("solved", len(solved)),
		zap.Int("score", eval.Score),
		zap.String("strategy", score.Strategy))
	return eval, nil
}

// mergeCachedSolved adds microcases recorded as solved in the cache, such as
// those solved before a restart.
func (e *Engine) mergeCachedSolved(requesterID string, sc *SessionContext, solved []model.CachedMicrocase) []model.CachedMicrocase {
	ids, err := e.cache.Solved(requesterID, sc.CacheKey)
	if err != nil {
		e.logger.Warn("reading solved microcases", zap.Error(err))
		return solved
	}
	have := make(map[int]bool, len(solved))
	for _, m := range solved {
		have[m.MicrocaseID] = true
	}
	for _, id := range ids {
		if have[id] {
			continue
		}
		if m, err := sc.Lookup(id); err == nil {
			sc.markSolved(id)
			solved = append(solved, m)
		}
	}
	return solved
}

func reviewRequest(solved []model.CachedMicrocase, review string) string {
	var b strings.Builder
	b.WriteString("Exercises the learner solved:\n\n")
	for _, m := range solved {
		fmt.Fprintf(&b, "### Exercise %d (%s:%d)\n%s\n\n", m.MicrocaseID, m.FilePath, m.LineNumber,
			strings.TrimSpace(firstNonEmpty(m.Description, m.ReviewComment)))
	}
	b.WriteString("Learner's review:\n")
	b.WriteString(review)
	return b.String()
}

// clampScore converts a [0,1] score into an integer percentage.
func clampScore(v float64) int {
	n := int(math.Round(v * 100))
	return max(0, min(100, n))
}
