package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jxucoder/microcase/model"
)

// AttemptLogName is the per-attempt log written inside each attempt directory.
const AttemptLogName = "attempt.log"

// Attempt is handed to an AttemptFunc for one try.
type Attempt struct {
	Index int
	Dir   string
	// Log writes to the stage logger and to the attempt's own log file.
	Log *zap.Logger
}

// AttemptFunc generates and verifies one attempt, returning true on success.
// Errors and panics count as a failed attempt.
type AttemptFunc func(ctx context.Context, a *Attempt) (bool, error)

// AttemptOptions describes the retry loop for one work item.
type AttemptOptions struct {
	Stage     model.Stage
	CommentID int
	// Root is the directory attempt_N subdirectories are created under.
	Root string
	Max  int
}

// RunAttempts calls fn until it succeeds or opts.Max attempts are used.
// Attempts run strictly one after another. Directories of earlier failed
// attempts are removed so at most the successful or last attempt remains.
func RunAttempts(ctx context.Context, opts AttemptOptions, logger *zap.Logger, fn AttemptFunc) model.StageResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := model.StageResult{CommentID: opts.CommentID}

	var durations []time.Duration
	for i := 0; i < opts.Max; i++ {
		if ctx.Err() != nil {
			break
		}
		dir := filepath.Join(opts.Root, fmt.Sprintf("attempt_%d", i+1))
		start := time.Now()
		ok := runOne(ctx, i, dir, logger.With(zap.Int("attempt", i+1)), fn)
		elapsed := time.Since(start)
		durations = append(durations, elapsed)

		outcome := model.OutcomeFailure
		if ok {
			outcome = model.OutcomeSuccess
		}
		res.Records = append(res.Records, model.AttemptRecord{
			Stage:        opts.Stage,
			CommentID:    opts.CommentID,
			AttemptIndex: i,
			StartedAt:    start,
			Duration:     elapsed,
			Outcome:      outcome,
			ArtifactsDir: dir,
		})
		if i > 0 {
			os.RemoveAll(res.Records[i-1].ArtifactsDir)
		}
		res.LastAttemptDir = dir
		if ok {
			res.Success = true
			res.SuccessfulAttemptDir = dir
			break
		}
	}

	res.Attempts = len(res.Records)
	res.Duration = model.NewDurationStats(durations)
	return res
}

func runOne(ctx context.Context, index int, dir string, logger *zap.Logger, fn AttemptFunc) (ok bool) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("creating attempt dir", zap.Error(err))
		return false
	}

	log := logger
	f, err := os.Create(filepath.Join(dir, AttemptLogName))
	if err == nil {
		defer f.Close()
		fileCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		)
		log = zap.New(zapcore.NewTee(logger.Core(), fileCore))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("attempt panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	ok, err = fn(ctx, &Attempt{Index: index, Dir: dir, Log: log})
	if err != nil {
		log.Warn("attempt failed", zap.Error(err))
		return false
	}
	return ok
}
