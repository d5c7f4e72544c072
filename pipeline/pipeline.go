// Package pipeline turns review comments into verified microcases through the
// Preprocess, Expert, Tutor and Student stages.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/sandbox"
)

// Stage is implemented by every pipeline stage.
type Stage interface {
	Name() string
}

// Config configures a pipeline run.
type Config struct {
	Expert  ExpertConfig
	Tutor   Toggle[TutorConfig]
	Student Toggle[StudentConfig]
	// Concurrency bounds how many comments a stage processes at once (default 4).
	Concurrency int
}

// snapshot is the YAML form of Config written to each run directory.
type snapshot struct {
	Stages struct {
		EnableTutor   bool `yaml:"enable_tutor"`
		EnableStudent bool `yaml:"enable_student"`
	} `yaml:"stages"`
	Expert      ExpertConfig   `yaml:"expert"`
	Tutor       *TutorConfig   `yaml:"tutor,omitempty"`
	Student     *StudentConfig `yaml:"student,omitempty"`
	Concurrency int            `yaml:"concurrency"`
}

// MarshalYAML renders the config the way it is snapshotted.
func (c Config) MarshalYAML() (any, error) {
	var s snapshot
	s.Expert = c.Expert
	s.Concurrency = c.Concurrency
	if t, ok := c.Tutor.Config(); ok {
		s.Stages.EnableTutor = true
		s.Tutor = &t
	}
	if st, ok := c.Student.Config(); ok {
		s.Stages.EnableStudent = true
		s.Student = &st
	}
	return s, nil
}

// Input is one pipeline run's work.
type Input struct {
	// RunDir receives every artifact of the run.
	RunDir string
	// SourceRoot holds the reviewed files; defaults to RunDir/source_project.
	SourceRoot string
	Comments   []model.RawComment
}

// AcceptedMicrocase is reported through Hooks.OnAccepted.
type AcceptedMicrocase struct {
	Comment model.ReviewComment
	Expert  model.ExpertResult
}

// Hooks observe a run while it progresses. Any may be nil. They may be called
// from several goroutines at once.
type Hooks struct {
	OnProgress func(message string)
	// OnAccepted fires once per comment as soon as the last enabled stage
	// accepts it.
	OnAccepted func(AcceptedMicrocase)
}

func (h Hooks) progress(format string, args ...any) {
	if h.OnProgress != nil {
		h.OnProgress(fmt.Sprintf(format, args...))
	}
}

func (h Hooks) accepted(a AcceptedMicrocase) {
	if h.OnAccepted != nil {
		h.OnAccepted(a)
	}
}

// Result is everything a run produced.
type Result struct {
	RunDir   string
	Comments []model.ReviewComment
	Expert   map[int]model.ExpertResult
	// Tutor is nil when the Tutor stage did not run.
	Tutor map[int]model.TutorResult
	// Student is nil when the Student stage did not run.
	Student map[int]model.StudentResult
	Report  []model.ReportEntry
}

// AcceptedCount returns the number of accepted report entries.
func (r *Result) AcceptedCount() int {
	n := 0
	for _, e := range r.Report {
		if e.Accepted {
			n++
		}
	}
	return n
}

// Pipeline sequences the stages.
type Pipeline struct {
	cfg        Config
	preprocess *PreprocessStage
	expert     *ExpertStage
	tutor      *TutorStage
	student    *StudentStage
	logger     *zap.Logger
}

// New builds a pipeline. Tutor and Student stages are created only when enabled.
func New(roles llm.Roles, verifier sandbox.Verifier, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	need := []llm.Role{llm.RolePreprocessor, llm.RoleExpert}
	if cfg.Tutor.On() {
		need = append(need, llm.RoleTutor)
	}
	if cfg.Student.On() {
		need = append(need, llm.RoleStudent)
	}
	if err := roles.Validate(need...); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		preprocess: NewPreprocessStage(roles.For(llm.RolePreprocessor), "", logger),
		expert:     NewExpertStage(roles.For(llm.RoleExpert), verifier, cfg.Expert, logger),
		logger:     logger.Named("pipeline"),
	}
	if tc, ok := cfg.Tutor.Config(); ok {
		if tc.Context == (ContextConfig{}) {
			tc.Context = cfg.Expert.withDefaults().Context
		}
		p.tutor = NewTutorStage(roles.For(llm.RoleTutor), verifier, tc, logger)
	}
	if sc, ok := cfg.Student.Config(); ok {
		p.student = NewStudentStage(roles.For(llm.RoleStudent), verifier, sc, logger)
	}
	return p, nil
}

// Stages returns the stages that will run, in order.
func (p *Pipeline) Stages() []Stage {
	stages := []Stage{p.preprocess, p.expert}
	if p.tutor != nil {
		stages = append(stages, p.tutor)
	}
	if p.student != nil {
		stages = append(stages, p.student)
	}
	return stages
}

// Run executes every stage and writes the final report. Comment-level
// failures are recorded in the report; only run-level I/O errors are returned.
func (p *Pipeline) Run(ctx context.Context, in Input, hooks Hooks) (*Result, error) {
	if err := os.MkdirAll(in.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if in.SourceRoot == "" {
		in.SourceRoot = filepath.Join(in.RunDir, SourceDir)
	}
	if err := p.writeSnapshot(in.RunDir); err != nil {
		return nil, err
	}
	logger := p.logger.With(zap.String("run", filepath.Base(in.RunDir)))
	names := make([]string, 0, 4)
	for _, st := range p.Stages() {
		names = append(names, st.Name())
	}
	logger.Info("pipeline starting", zap.Strings("stages", names), zap.Int("comments", len(in.Comments)))

	hooks.progress("Preprocessing %d review comments", len(in.Comments))
	comments := p.preprocess.Run(ctx, in.Comments)
	if err := writeDedupCSV(in.RunDir, comments); err != nil {
		return nil, err
	}

	tree := SourceTree{SourceRoot: in.SourceRoot, EmbeddedRoot: filepath.Join(in.RunDir, EmbeddedDir)}
	if err := EmbedComments(in.SourceRoot, tree.EmbeddedRoot, comments); err != nil {
		logger.Warn("embedding comments", zap.Error(err))
	}

	res := &Result{RunDir: in.RunDir, Comments: comments}
	byID := make(map[int]model.ReviewComment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}
	last := model.StageExpert
	if p.tutor != nil {
		last = model.StageTutor
	}
	if p.student != nil {
		last = model.StageStudent
	}

	hooks.progress("Generating microcases for %d comments", len(comments))
	res.Expert = make(map[int]model.ExpertResult, len(comments))
	var mu sync.Mutex
	var done int
	forEach(ctx, logger, p.cfg.Concurrency, comments, func(ctx context.Context, c model.ReviewComment) {
		er := p.expert.Process(ctx, in.RunDir, tree, c)
		mu.Lock()
		res.Expert[c.ID] = er
		done++
		n := done
		mu.Unlock()
		hooks.progress("Expert processed comment %d (%d/%d)", c.ID, n, len(comments))
		if er.Success && last == model.StageExpert {
			hooks.accepted(AcceptedMicrocase{Comment: c, Expert: er})
		}
	})

	successes := expertSuccesses(res.Expert)

	if p.tutor != nil {
		hooks.progress("Tutor reviewing %d microcases", len(successes))
		res.Tutor = make(map[int]model.TutorResult, len(successes))
		forEach(ctx, logger, p.cfg.Concurrency, successes, func(ctx context.Context, er model.ExpertResult) {
			tr := p.tutor.Process(ctx, in.RunDir, tree, er)
			mu.Lock()
			res.Tutor[er.CommentID] = tr
			mu.Unlock()
			if tr.Accepted && last == model.StageTutor {
				hooks.accepted(AcceptedMicrocase{Comment: byID[er.CommentID], Expert: er})
			}
		})
	}

	if p.student != nil {
		var eligible []model.ExpertResult
		for _, er := range successes {
			if tr, ok := res.Tutor[er.CommentID]; ok && !tr.Accepted {
				continue
			}
			eligible = append(eligible, er)
		}
		hooks.progress("Students solving %d microcases", len(eligible))
		res.Student = make(map[int]model.StudentResult, len(eligible))
		forEach(ctx, logger, p.cfg.Concurrency, eligible, func(ctx context.Context, er model.ExpertResult) {
			sr := p.student.Process(ctx, in.RunDir, er)
			mu.Lock()
			res.Student[er.CommentID] = sr
			mu.Unlock()
			if sr.Accepted {
				hooks.accepted(AcceptedMicrocase{Comment: byID[er.CommentID], Expert: er})
			}
		})
	}

	res.Report = GenerateFinalReport(res.Expert, res.Tutor, res.Student)
	if err := writeJSON(filepath.Join(in.RunDir, ReportFile), res.Report); err != nil {
		return nil, fmt.Errorf("writing report: %w", err)
	}

	accepted := res.AcceptedCount()
	pct := 0.0
	if len(res.Report) > 0 {
		pct = 100 * float64(accepted) / float64(len(res.Report))
	}
	logger.Info("pipeline finished",
		zap.Int("total", len(res.Report)),
		zap.Int("accepted", accepted),
		zap.Float64("acceptance_pct", pct))
	return res, nil
}

// GenerateFinalReport builds one entry per comment the Expert attempted,
// ordered by comment ID. A nil tutor or student map means that stage did not
// run and casts no veto; acceptance is the AND of every stage that ran.
func GenerateFinalReport(expert map[int]model.ExpertResult, tutor map[int]model.TutorResult, student map[int]model.StudentResult) []model.ReportEntry {
	ids := make([]int, 0, len(expert))
	for id := range expert {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	report := make([]model.ReportEntry, 0, len(ids))
	for _, id := range ids {
		er := expert[id]
		e := model.ReportEntry{
			CommentID:        id,
			SourceFilePath:   er.SourceFilePath,
			SourceLineNumber: er.SourceLineNumber,
			Accepted:         er.Success,
			AttemptsExpert:   er.Attempts,
			StageDuration:    model.StageDurations{Expert: er.Duration},
			StudentsFailed:   []int{},
			StudentsPassed:   []int{},
			SuccessfulDir:    er.SuccessfulAttemptDir,
		}
		if tr, ok := tutor[id]; ok {
			if !tr.Accepted {
				e.Accepted = false
			}
			score, review, d := tr.Score, tr.Review, tr.Duration
			e.TutorScore = &score
			e.TutorReview = &review
			e.AttemptsTutor = tr.Attempts
			e.StageDuration.Tutor = &d
		}
		if sr, ok := student[id]; ok {
			if !sr.Accepted {
				e.Accepted = false
			}
			ratio, d := sr.PassRatio, sr.Duration
			e.PassRatio = &ratio
			e.StudentsPassed = sr.Passed
			e.StudentsFailed = sr.Failed
			e.StageDuration.Student = &d
		}
		report = append(report, e)
	}
	return report
}

func (p *Pipeline) writeSnapshot(runDir string) error {
	b, err := yaml.Marshal(p.cfg)
	if err != nil {
		return fmt.Errorf("encoding config snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, ConfigSnapshot), b, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

func writeDedupCSV(runDir string, comments []model.ReviewComment) error {
	dir := filepath.Join(runDir, PreprocessDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating preprocess dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, DedupCSV))
	if err != nil {
		return fmt.Errorf("creating dedup csv: %w", err)
	}
	defer f.Close()
	if err := WriteCommentsCSV(f, comments); err != nil {
		return fmt.Errorf("writing dedup csv: %w", err)
	}
	return nil
}

func expertSuccesses(results map[int]model.ExpertResult) []model.ExpertResult {
	var out []model.ExpertResult
	for _, er := range results {
		if er.Success {
			out = append(out, er)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CommentID < out[b].CommentID })
	return out
}

// forEach runs fn over items with at most limit in flight. A panic in fn is
// contained to its item.
func forEach[T any](ctx context.Context, logger *zap.Logger, limit int, items []T, fn func(context.Context, T)) {
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("work item panicked", zap.Any("panic", r))
				}
			}()
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}
