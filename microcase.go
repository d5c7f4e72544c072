// Package microcase is the top-level entry point for the microcase service.
//
// Use the Builder to compose an application from configuration:
//
//	cfg, _ := config.Load("")
//	app, err := microcase.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Or replace any component:
//
//	app, err := microcase.NewBuilder().
//	    WithConfig(cfg).
//	    WithGitProvider(myProvider).
//	    WithLLM(myClient).
//	    WithVerifier(myVerifier).
//	    Build()
package microcase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/microcase/channel"
	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/eventbus"
	"github.com/jxucoder/microcase/gitprovider"
	"github.com/jxucoder/microcase/httpapi"
	"github.com/jxucoder/microcase/internal/config"
	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/pipeline"
	"github.com/jxucoder/microcase/sandbox"
	"github.com/jxucoder/microcase/store"
)

// Builder constructs a microcase App.
type Builder struct {
	config   *config.Config
	logger   *zap.Logger
	store    store.SessionStore
	cache    store.Cache
	bus      eventbus.Bus
	git      gitprovider.Provider
	roles    llm.Roles
	verifier sandbox.Verifier
	channels []channel.Channel

	// closers are released by App.Close in reverse order.
	closers []io.Closer
}

// NewBuilder creates a new Builder. Missing components are filled from the
// configuration when Build is called.
func NewBuilder() *Builder {
	return &Builder{roles: llm.Roles{ByRole: make(map[llm.Role]llm.Client)}}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets the session store. If it also implements store.Cache and no
// cache was set, it is used as the cache too.
func (b *Builder) WithStore(s store.SessionStore) *Builder {
	b.store = s
	return b
}

// WithCache sets the cross-session microcase cache.
func (b *Builder) WithCache(c store.Cache) *Builder {
	b.cache = c
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithGitProvider sets the git hosting provider implementation.
func (b *Builder) WithGitProvider(g gitprovider.Provider) *Builder {
	b.git = g
	return b
}

// WithLLM sets the client used by every role without its own client.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.roles.Default = client
	return b
}

// WithRoleLLM sets the client for a single role.
func (b *Builder) WithRoleLLM(role llm.Role, client llm.Client) *Builder {
	b.roles.ByRole[role] = client
	return b
}

// WithVerifier sets the solution verifier. It is used as is, without a
// worker pool around it.
func (b *Builder) WithVerifier(v sandbox.Verifier) *Builder {
	b.verifier = v
	return b
}

// WithChannel adds a chat channel to the application.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		b.closeAll()
		return nil, err
	}

	pipe, err := pipeline.New(b.roles, b.verifier, b.config.PipelineConfig(), b.logger)
	if err != nil {
		b.closeAll()
		return nil, err
	}

	eng := engine.New(
		engine.Config{
			DataDir:     b.config.DataDir,
			SessionTTL:  b.config.SessionTTL,
			MaxSessions: b.config.MaxSessions,
			DevMode:     b.config.DevMode,
			KeepRunDirs: b.config.KeepRunDirs,
		},
		b.store,
		b.bus,
		b.git,
		pipe,
		b.verifier,
		b.roles.For(llm.RoleReviewer),
		b.cache,
		b.logger,
	)

	return &App{
		config:   b.config,
		logger:   b.logger,
		engine:   eng,
		pipeline: pipe,
		verifier: b.verifier,
		handler:  httpapi.New(eng, b.logger),
		channels: b.channels,
		closers:  b.closers,
	}, nil
}

func (b *Builder) closeAll() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
	b.closers = nil
}

// App is a composed microcase application.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	pipeline *pipeline.Pipeline
	verifier sandbox.Verifier
	handler  *httpapi.Handler

	mu       sync.Mutex
	channels []channel.Channel
	closers  []io.Closer
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Pipeline returns the stage pipeline, for offline runs.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// AddChannel registers a channel built against the app's engine. It must be
// called before Start.
func (a *App) AddChannel(ch channel.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = append(a.channels, ch)
}

// StartWorkers starts the verifier pool's background sweeper, if any. Start
// calls it; offline runs call it directly.
func (a *App) StartWorkers(ctx context.Context) {
	if p, ok := a.verifier.(*sandbox.Pool); ok {
		p.StartPool(ctx)
	}
}

// Start starts the HTTP server and all channels. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)
	a.StartWorkers(ctx)

	a.mu.Lock()
	channels := append([]channel.Channel(nil), a.channels...)
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Run(ctx); err != nil {
				a.logger.Error("channel stopped", zap.String("channel", ch.Name()), zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.config.ServerAddr,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("microcase server listening", zap.String("addr", a.config.ServerAddr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	wg.Wait()
	return errors.Join(err, a.Close())
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.engine.Stop()
	if p, ok := a.verifier.(*sandbox.Pool); ok {
		p.StopPool()
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
