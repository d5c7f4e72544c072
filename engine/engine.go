// Package engine provides the session orchestration logic for microcase.
// It depends only on interfaces (store, sandbox, gitprovider, eventbus, llm)
// and the pipeline.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase/eventbus"
	"github.com/jxucoder/microcase/gitprovider"
	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/pipeline"
	"github.com/jxucoder/microcase/sandbox"
	"github.com/jxucoder/microcase/store"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidSource     = errors.New("invalid source reference")
	ErrNoComments        = errors.New("no usable review comments")
	ErrNothingSolved     = errors.New("nothing solved yet")
	ErrMicrocaseNotReady = errors.New("microcase not ready yet")
	ErrUnknownMicrocase  = errors.New("unknown microcase")
	ErrTooManySessions   = errors.New("too many running sessions")
)

// Config holds engine-specific configuration.
type Config struct {
	// DataDir receives one run directory per session under runs/.
	DataDir string
	// SessionTTL is how long a finished or abandoned session is kept (default 1h).
	SessionTTL time.Duration
	// MaxSessions caps the number of sessions kept at once (default 256).
	MaxSessions int
	// ReapInterval is how often expired sessions are reclaimed (default 1m).
	ReapInterval time.Duration
	// DevMode limits every pull request to its first usable comment.
	DevMode bool
	// KeepRunDirs keeps run directories when sessions are reaped.
	KeepRunDirs bool
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(os.TempDir(), "microcase")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 256
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	return c
}

// Engine orchestrates microcase session lifecycle.
type Engine struct {
	config   Config
	store    store.SessionStore
	bus      eventbus.Bus
	git      gitprovider.Provider
	pipeline *pipeline.Pipeline
	verifier sandbox.Verifier
	reviewer llm.Client
	cache    store.Cache
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job
	contexts map[string]*SessionContext

	// emitMu keeps the event log and the bus in the same order.
	emitMu sync.Mutex
}

// job is the retained handle of one background generation.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Engine with all dependencies. cache may be nil, in which
// case check and evaluate only resolve through in-memory session contexts.
func New(
	cfg Config,
	st store.SessionStore,
	bus eventbus.Bus,
	git gitprovider.Provider,
	pipe *pipeline.Pipeline,
	verifier sandbox.Verifier,
	reviewer llm.Client,
	cache store.Cache,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   cfg.withDefaults(),
		store:    st,
		bus:      bus,
		git:      git,
		pipeline: pipe,
		verifier: verifier,
		reviewer: reviewer,
		cache:    cache,
		logger:   logger.Named("engine"),
		jobs:     make(map[string]*job),
		contexts: make(map[string]*SessionContext),
	}
}

// Start starts background goroutines (session reaper). Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reapExpiredSessions(e.ctx)
	}()
}

// Stop cancels all background work and waits for goroutines to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for _, j := range e.jobs {
		j.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Store returns the session store.
func (e *Engine) Store() store.SessionStore { return e.store }

// CacheKey returns the stable key of a source reference.
func CacheKey(sourceReference string) string {
	sum := sha256.Sum256([]byte(gitprovider.Normalize(sourceReference)))
	return hex.EncodeToString(sum[:])
}

// CreateSession validates a pull request reference and schedules generation.
// It returns as soon as the job is scheduled; results arrive on the event bus.
func (e *Engine) CreateSession(ctx context.Context, requesterID, sourceReference string) (*model.Session, error) {
	pr, err := gitprovider.ParsePRURL(sourceReference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if e.git == nil {
		return nil, fmt.Errorf("%w: no git provider configured", ErrInvalidSource)
	}
	if err := e.git.GetPullRequest(ctx, pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	comments, total, err := e.git.ListReviewComments(ctx, pr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if len(comments) == 0 {
		return nil, fmt.Errorf("%w: %d comments, none anchored to a file line", ErrNoComments, total)
	}
	if e.config.DevMode && len(comments) > 1 {
		e.logger.Info("dev mode: limiting review comments to 1", zap.Int("found", len(comments)))
		comments = comments[:1]
	}

	if err := e.makeRoom(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	sess := &model.Session{
		ID:              id,
		RequesterID:     requesterID,
		SourceReference: sourceReference,
		Status:          model.StatusAccepted,
		WorkDir:         filepath.Join(e.config.DataDir, "runs", ulid.Make().String()),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	e.bus.Open(id)

	sc := newSessionContext(id, CacheKey(sourceReference), len(comments))
	base := e.ctx
	if base == nil {
		base = context.Background()
	}
	jctx, cancel := context.WithCancel(base)
	j := &job{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.contexts[requesterID] = sc
	e.jobs[id] = j
	e.mu.Unlock()

	e.logger.Info("session accepted",
		zap.String("session", id),
		zap.String("requester", requesterID),
		zap.Int("comments", len(comments)),
		zap.Int("total_comments", total))

	// The job mutates its own copy.
	run := *sess
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(j.done)
		defer cancel()
		e.runSession(jctx, &run, pr, comments, sc)
		e.mu.Lock()
		delete(e.jobs, id)
		e.mu.Unlock()
	}()

	return sess, nil
}

// Wait blocks until the session's background job has finished or ctx is done.
// Sessions without a running job return immediately.
func (e *Engine) Wait(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	j, ok := e.jobs[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a running session. Its stream still ends with a terminal event.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	j, ok := e.jobs[sessionID]
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	j.cancel()
	return nil
}

// GetSession returns a session by ID.
func (e *Engine) GetSession(sessionID string) (*model.Session, error) {
	sess, err := e.store.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Stream opens the event stream of a session.
func (e *Engine) Stream(ctx context.Context, sessionID string) (<-chan *model.Event, error) {
	ch, err := e.bus.Stream(ctx, sessionID)
	if errors.Is(err, eventbus.ErrUnknownSession) {
		return nil, ErrSessionNotFound
	}
	return ch, err
}

func (e *Engine) runSession(ctx context.Context, sess *model.Session, pr *gitprovider.PullRequest, comments []model.RawComment, sc *SessionContext) {
	logger := e.logger.With(zap.String("session", sess.ID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked", zap.Any("panic", r))
			e.failSession(sess, fmt.Sprintf("internal error: %v", r))
		}
		sc.finish()
	}()

	sess.Status = model.StatusRunning
	if err := e.store.UpdateSession(sess); err != nil {
		logger.Warn("updating session", zap.Error(err))
	}
	e.emitProgress(sess.ID, "Starting the pipeline")

	e.emitProgress(sess.ID, fmt.Sprintf("Fetching source files from %s/%s", pr.HeadOwner, pr.HeadRepo))
	placeholders, err := gitprovider.Materialize(ctx, e.git, pr, comments, filepath.Join(sess.WorkDir, pipeline.SourceDir))
	if err != nil {
		e.failSession(sess, fmt.Sprintf("fetching source files: %v", err))
		return
	}
	if placeholders > 0 {
		logger.Warn("some source files could not be fetched", zap.Int("placeholders", placeholders))
		e.emitProgress(sess.ID, fmt.Sprintf("%d source files could not be fetched", placeholders))
	}

	hooks := pipeline.Hooks{
		OnProgress: func(msg string) { e.emitProgress(sess.ID, msg) },
		OnAccepted: func(a pipeline.AcceptedMicrocase) {
			entry := cachedEntry(sc.CacheKey, a)
			sc.add(entry)
			e.emitJSON(sess.ID, model.EventMicrocase, model.MicrocasePayload{
				MicrocaseID:   entry.MicrocaseID,
				FilePath:      entry.FilePath,
				LineNumber:    entry.LineNumber,
				Comment:       firstNonEmpty(entry.Description, entry.ReviewComment),
				ReviewComment: entry.ReviewComment,
			})
		},
	}

	res, err := e.pipeline.Run(ctx, pipeline.Input{RunDir: sess.WorkDir, Comments: comments}, hooks)
	if err != nil {
		e.failSession(sess, err.Error())
		return
	}
	if ctx.Err() != nil {
		e.failSession(sess, "generation cancelled")
		return
	}

	entries := sc.entries()
	if e.cache != nil {
		if err := e.cache.PutMicrocases(sc.CacheKey, entries); err != nil {
			logger.Warn("caching microcases", zap.Error(err))
		}
	}

	accepted := res.AcceptedCount()
	sess.Status = model.StatusComplete
	sess.TotalAccepted = accepted
	if err := e.store.UpdateSession(sess); err != nil {
		logger.Warn("updating session", zap.Error(err))
	}
	logger.Info("session complete", zap.Int("accepted", accepted), zap.Int("comments", len(res.Report)))
	e.emitJSON(sess.ID, model.EventComplete, model.CompletePayload{
		Message:       "Generation complete",
		TotalAccepted: accepted,
	})
}

func cachedEntry(cacheKey string, a pipeline.AcceptedMicrocase) model.CachedMicrocase {
	entry := model.CachedMicrocase{
		CacheKey:      cacheKey,
		MicrocaseID:   a.Comment.ID,
		FilePath:      a.Expert.SourceFilePath,
		LineNumber:    a.Expert.SourceLineNumber,
		ReviewComment: a.Comment.Text,
		Dir:           a.Expert.SuccessfulAttemptDir,
		CreatedAt:     time.Now().UTC(),
	}
	if entry.FilePath == "" {
		entry.FilePath = a.Comment.FilePath
		entry.LineNumber = a.Comment.LineNumber
	}
	if a.Expert.Microcase != nil {
		entry.Description = a.Expert.Microcase.Description
	}
	return entry
}

// reapExpiredSessions reclaims sessions older than the TTL. Running jobs past
// the TTL are cancelled first so their stream still terminates.
func (e *Engine) reapExpiredSessions(ctx context.Context) {
	ticker := time.NewTicker(e.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reap(time.Now().Add(-e.config.SessionTTL))
		}
	}
}

func (e *Engine) reap(before time.Time) int {
	sessions, err := e.store.ListExpired(before)
	if err != nil {
		e.logger.Warn("reaper: list expired sessions failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, sess := range sessions {
		if e.evict(sess) {
			n++
		}
	}
	return n
}

// evict cancels a session's job if it is still running, otherwise drops its
// queue, record and run directory. It reports whether the session was removed.
func (e *Engine) evict(sess *model.Session) bool {
	e.mu.Lock()
	j, running := e.jobs[sess.ID]
	e.mu.Unlock()
	if running {
		e.logger.Info("cancelling expired session", zap.String("session", sess.ID))
		j.cancel()
		return false
	}

	e.logger.Info("reaping session", zap.String("session", sess.ID), zap.Duration("age", time.Since(sess.CreatedAt)))
	e.bus.Close(sess.ID)
	e.mu.Lock()
	for requester, sc := range e.contexts {
		if sc.SessionID == sess.ID {
			delete(e.contexts, requester)
		}
	}
	e.mu.Unlock()
	if err := e.store.DeleteSession(sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("deleting session", zap.String("session", sess.ID), zap.Error(err))
	}
	// Cached microcases still point into the run directory.
	if !e.config.KeepRunDirs && e.cache == nil && sess.WorkDir != "" {
		if err := os.RemoveAll(sess.WorkDir); err != nil {
			e.logger.Warn("removing run dir", zap.String("dir", sess.WorkDir), zap.Error(err))
		}
	}
	return true
}

// makeRoom evicts the oldest finished sessions while the store holds
// MaxSessions or more.
func (e *Engine) makeRoom() error {
	sessions, err := e.store.ListExpired(time.Now().Add(time.Hour))
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	excess := len(sessions) - e.config.MaxSessions + 1
	for _, sess := range sessions {
		if excess <= 0 {
			return nil
		}
		e.mu.Lock()
		_, running := e.jobs[sess.ID]
		e.mu.Unlock()
		if running {
			continue
		}
		if e.evict(sess) {
			excess--
		}
	}
	if excess > 0 {
		return ErrTooManySessions
	}
	return nil
}

// --- Helpers ---

func (e *Engine) failSession(sess *model.Session, errMsg string) {
	e.logger.Error("session failed", zap.String("session", sess.ID), zap.String("error", errMsg))
	sess.Status = model.StatusError
	sess.Error = errMsg
	sess.TotalAccepted = 0
	if err := e.store.UpdateSession(sess); err != nil {
		e.logger.Warn("updating session", zap.String("session", sess.ID), zap.Error(err))
	}
	e.emitJSON(sess.ID, model.EventError, model.MessagePayload{Message: errMsg})
	e.emitJSON(sess.ID, model.EventComplete, model.CompletePayload{
		Message:       "Finished with an error",
		TotalAccepted: 0,
	})
}

func (e *Engine) emitProgress(sessionID, msg string) {
	e.emitJSON(sessionID, model.EventProgress, model.MessagePayload{Message: msg})
}

func (e *Engine) emitJSON(sessionID, eventType string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("encoding event", zap.String("type", eventType), zap.Error(err))
		return
	}
	e.emitEvent(sessionID, eventType, string(b))
}

func (e *Engine) emitEvent(sessionID, eventType, data string) {
	event := &model.Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if log, ok := e.store.(store.EventLog); ok {
		if err := log.AddEvent(event); err != nil {
			e.logger.Warn("storing event", zap.Error(err))
		}
	}
	if err := e.bus.Publish(sessionID, event); err != nil {
		e.logger.Warn("publishing event", zap.String("session", sessionID), zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
