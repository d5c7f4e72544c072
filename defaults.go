package microcase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jxucoder/microcase/eventbus"
	ghProvider "github.com/jxucoder/microcase/gitprovider/github"
	"github.com/jxucoder/microcase/internal/config"
	"github.com/jxucoder/microcase/llm"
	llmAnthropic "github.com/jxucoder/microcase/llm/anthropic"
	llmGemini "github.com/jxucoder/microcase/llm/gemini"
	llmOpenAI "github.com/jxucoder/microcase/llm/openai"
	"github.com/jxucoder/microcase/sandbox"
	"github.com/jxucoder/microcase/store"
	sqliteStore "github.com/jxucoder/microcase/store/sqlite"
)

// applyDefaults fills in missing fields on the builder from its configuration.
func applyDefaults(b *Builder) error {
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.config == nil {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		b.config = cfg
	}
	cfg := b.config

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Store. The SQLite store doubles as event log and microcase cache.
	if b.store == nil {
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
		b.closers = append(b.closers, st)
	}
	if b.cache == nil {
		if c, ok := b.store.(store.Cache); ok {
			b.cache = c
		}
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus(cfg.MaxEvents)
	}

	if b.git == nil {
		if cfg.GitHubToken == "" {
			b.logger.Warn("no GitHub token configured, using unauthenticated API access")
		}
		b.git = ghProvider.New(cfg.GitHubToken)
	}

	if b.verifier == nil {
		v, err := verifierFromConfig(cfg, b.logger)
		if err != nil {
			return err
		}
		b.verifier = v
	}

	return fillRoles(b)
}

// fillRoles creates an LLM client for every role that has none, sharing one
// client between roles that resolve to the same provider and model.
func fillRoles(b *Builder) error {
	if b.roles.ByRole == nil {
		b.roles.ByRole = make(map[llm.Role]llm.Client)
	}
	if b.roles.Default != nil {
		return nil
	}

	clients := make(map[config.ModelConfig]llm.Client)
	for _, role := range []llm.Role{
		llm.RolePreprocessor,
		llm.RoleExpert,
		llm.RoleTutor,
		llm.RoleStudent,
		llm.RoleReviewer,
	} {
		if b.roles.ByRole[role] != nil {
			continue
		}
		mc := b.config.ModelFor(role)
		if c, ok := clients[mc]; ok {
			b.roles.ByRole[role] = c
			continue
		}
		c, err := newClient(b.config, mc)
		if err != nil {
			return fmt.Errorf("LLM for role %s: %w", role, err)
		}
		if c == nil {
			continue
		}
		clients[mc] = c
		b.roles.ByRole[role] = c
	}
	return nil
}

// newClient creates a provider client. It returns nil without error when the
// provider has no API key, so roles that are never used need no key.
func newClient(cfg *config.Config, mc config.ModelConfig) (llm.Client, error) {
	key := cfg.APIKey(mc.Provider)
	switch mc.Provider {
	case config.ProviderOpenAI:
		if key == "" {
			return nil, nil
		}
		return llmOpenAI.New(key, mc.Model).WithBaseURL(cfg.OpenAIBaseURL), nil
	case config.ProviderAnthropic:
		if key == "" {
			return nil, nil
		}
		return llmAnthropic.New(key, mc.Model), nil
	case config.ProviderGemini:
		if key == "" {
			return nil, nil
		}
		return llmGemini.New(context.Background(), key, mc.Model)
	}
	return nil, fmt.Errorf("unknown provider %q", mc.Provider)
}

// verifierFromConfig builds the configured runtime behind a worker pool.
func verifierFromConfig(cfg *config.Config, logger *zap.Logger) (sandbox.Verifier, error) {
	root := filepath.Join(cfg.DataDir, "verify")
	var inner sandbox.Verifier
	switch cfg.Sandbox.Runtime {
	case config.RuntimeDocker:
		inner = sandbox.NewDocker(sandbox.DockerConfig{
			Image:   cfg.Sandbox.Image,
			Network: cfg.Sandbox.Network,
			Root:    root,
			Timeout: cfg.Sandbox.Timeout,
			Memory:  cfg.Sandbox.Memory,
		})
	case config.RuntimeSSH:
		remote, err := sandbox.NewSSH(sandbox.SSHConfig{
			Host:    cfg.Sandbox.SSHHost,
			User:    cfg.Sandbox.SSHUser,
			KeyPath: cfg.Sandbox.SSHKeyPath,
			Image:   cfg.Sandbox.Image,
			Network: cfg.Sandbox.Network,
			Memory:  cfg.Sandbox.Memory,
			Root:    root,
			Timeout: cfg.Sandbox.Timeout,
		})
		if err != nil {
			return nil, err
		}
		inner = remote
	default:
		inner = sandbox.NewLocal(sandbox.LocalConfig{
			Python:  cfg.Sandbox.Python,
			Root:    root,
			Timeout: cfg.Sandbox.Timeout,
		})
	}
	return sandbox.NewPool(inner, sandbox.PoolConfig{Workers: cfg.Sandbox.Workers}, logger), nil
}
