// Package config provides configuration management for microcase.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/pipeline"
)

// Supported LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Sandbox runtimes.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
	RuntimeSSH    = "ssh"
)

// ModelConfig selects the provider and model for one role.
type ModelConfig struct {
	Provider string
	Model    string
}

// SandboxConfig configures solution verification.
type SandboxConfig struct {
	// Runtime is "local" (host subprocess), "docker" or "ssh" (docker on a
	// remote host).
	Runtime string
	Python  string
	Image   string
	Network string
	Memory  string
	Timeout time.Duration
	// Workers bounds concurrent verifications.
	Workers int

	SSHHost    string
	SSHUser    string
	SSHKeyPath string
}

// Config holds all configuration for the microcase server and CLI.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":8000").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, run directories).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// GitHubToken is the personal access token for GitHub API operations.
	// Public repositories work without one, at a lower rate limit.
	GitHubToken string

	// Provider API keys.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Default model, overridden per role by Roles.
	Default ModelConfig
	Roles   map[llm.Role]ModelConfig

	Expert      pipeline.ExpertConfig
	Tutor       pipeline.TutorConfig
	Student     pipeline.StudentConfig
	Concurrency int

	EnableTutor   bool
	EnableStudent bool

	Sandbox SandboxConfig

	SessionTTL  time.Duration
	MaxEvents   int
	MaxSessions int

	// DevMode limits each pull request to its first review comment.
	DevMode bool

	// KeepRunDirs keeps run directories when sessions are reaped.
	KeepRunDirs bool

	// TelegramBotToken is the token from @BotFather. Empty disables the bot.
	TelegramBotToken string

	// SlackBotToken (xoxb-) and SlackAppToken (xapp-) enable the Socket
	// Mode bot when both are set.
	SlackBotToken string
	SlackAppToken string
}

var allRoles = []llm.Role{
	llm.RolePreprocessor,
	llm.RoleExpert,
	llm.RoleTutor,
	llm.RoleStudent,
	llm.RoleReviewer,
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("github.token", "")

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("gemini.api_key", "")
	for _, role := range allRoles {
		v.SetDefault(roleKey(role, "provider"), "")
		v.SetDefault(roleKey(role, "model"), "")
	}

	v.SetDefault("expert.max_attempts", 2)
	v.SetDefault("expert.max_solution_attempts", 3)
	v.SetDefault("expert.context_max_symbols", 5000)
	v.SetDefault("expert.context_comment_margin", 50)

	v.SetDefault("tutor.enabled", false)
	v.SetDefault("tutor.max_attempts", 3)
	v.SetDefault("tutor.acceptance_threshold", 0.7)
	v.SetDefault("tutor.with_source", false)

	v.SetDefault("student.enabled", false)
	v.SetDefault("student.num_students", 5)
	v.SetDefault("student.comprehension_threshold", 0.6)
	v.SetDefault("student.parallel", 1)
	v.SetDefault("student.timeout", 30*time.Second)

	v.SetDefault("pipeline.concurrency", 4)

	v.SetDefault("sandbox.runtime", RuntimeLocal)
	v.SetDefault("sandbox.python", "python3")
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.network", "none")
	v.SetDefault("sandbox.memory", "")
	v.SetDefault("sandbox.timeout", 30*time.Second)
	v.SetDefault("sandbox.workers", 4)
	v.SetDefault("sandbox.ssh.host", "")
	v.SetDefault("sandbox.ssh.user", "")
	v.SetDefault("sandbox.ssh.key_path", "")

	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.max_events", 1024)
	v.SetDefault("session.max_sessions", 256)

	v.SetDefault("dev_mode", false)
	v.SetDefault("keep_run_dirs", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
}

// NewViper returns a viper instance with defaults and environment binding.
// Keys map to MICROCASE_ variables with dots replaced by underscores
// (sandbox.runtime -> MICROCASE_SANDBOX_RUNTIME). The usual provider
// variables such as GITHUB_TOKEN are honored too.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("MICROCASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("github.token", "MICROCASE_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("openai.api_key", "MICROCASE_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("openai.base_url", "MICROCASE_OPENAI_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("anthropic.api_key", "MICROCASE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("gemini.api_key", "MICROCASE_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("telegram.token", "MICROCASE_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("slack.bot_token", "MICROCASE_SLACK_BOT_TOKEN", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("slack.app_token", "MICROCASE_SLACK_APP_TOKEN", "SLACK_APP_TOKEN")
	return v
}

// ReadFile loads a YAML config file into v. With an empty path it looks for
// config.yaml in the default data directory and ignores a missing file.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	v.AddConfigPath(defaultDataDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load reads the config file at path (optional), the environment and the
// defaults, and creates the data directory.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance, such
// as one with command flags bound to it.
func FromViper(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "microcase.db")
	}

	cfg := &Config{
		ServerAddr:      v.GetString("server.addr"),
		DataDir:         dataDir,
		DatabasePath:    dbPath,
		GitHubToken:     v.GetString("github.token"),
		OpenAIAPIKey:    v.GetString("openai.api_key"),
		OpenAIBaseURL:   v.GetString("openai.base_url"),
		AnthropicAPIKey: v.GetString("anthropic.api_key"),
		GeminiAPIKey:    v.GetString("gemini.api_key"),
		Default: ModelConfig{
			Provider: strings.ToLower(v.GetString("llm.provider")),
			Model:    v.GetString("llm.model"),
		},
		Roles: make(map[llm.Role]ModelConfig),
		Expert: pipeline.ExpertConfig{
			MaxAttempts:         v.GetInt("expert.max_attempts"),
			MaxSolutionAttempts: v.GetInt("expert.max_solution_attempts"),
			Context: pipeline.ContextConfig{
				MaxSymbols:    v.GetInt("expert.context_max_symbols"),
				CommentMargin: v.GetInt("expert.context_comment_margin"),
			},
		},
		Tutor: pipeline.TutorConfig{
			MaxAttempts:         v.GetInt("tutor.max_attempts"),
			AcceptanceThreshold: v.GetFloat64("tutor.acceptance_threshold"),
			WithSource:          v.GetBool("tutor.with_source"),
		},
		Student: pipeline.StudentConfig{
			NumStudents:            v.GetInt("student.num_students"),
			ComprehensionThreshold: v.GetFloat64("student.comprehension_threshold"),
			Parallel:               v.GetInt("student.parallel"),
			Timeout:                v.GetDuration("student.timeout"),
		},
		Concurrency:   v.GetInt("pipeline.concurrency"),
		EnableTutor:   v.GetBool("tutor.enabled"),
		EnableStudent: v.GetBool("student.enabled"),
		Sandbox: SandboxConfig{
			Runtime: strings.ToLower(v.GetString("sandbox.runtime")),
			Python:  v.GetString("sandbox.python"),
			Image:   v.GetString("sandbox.image"),
			Network: v.GetString("sandbox.network"),
			Memory:  v.GetString("sandbox.memory"),
			Timeout: v.GetDuration("sandbox.timeout"),
			Workers: v.GetInt("sandbox.workers"),

			SSHHost:    v.GetString("sandbox.ssh.host"),
			SSHUser:    v.GetString("sandbox.ssh.user"),
			SSHKeyPath: v.GetString("sandbox.ssh.key_path"),
		},
		SessionTTL:       v.GetDuration("session.ttl"),
		MaxEvents:        v.GetInt("session.max_events"),
		MaxSessions:      v.GetInt("session.max_sessions"),
		DevMode:          v.GetBool("dev_mode"),
		KeepRunDirs:      v.GetBool("keep_run_dirs"),
		TelegramBotToken: v.GetString("telegram.token"),
		SlackBotToken:    v.GetString("slack.bot_token"),
		SlackAppToken:    v.GetString("slack.app_token"),
	}

	for _, role := range allRoles {
		mc := ModelConfig{
			Provider: strings.ToLower(v.GetString(roleKey(role, "provider"))),
			Model:    v.GetString(roleKey(role, "model")),
		}
		if mc.Provider != "" || mc.Model != "" {
			cfg.Roles[role] = mc
		}
	}

	return cfg, nil
}

// ModelFor returns the provider and model used for role.
func (c *Config) ModelFor(role llm.Role) ModelConfig {
	mc := c.Default
	if o, ok := c.Roles[role]; ok {
		if o.Provider != "" {
			mc.Provider = o.Provider
			// A different provider does not share the default's model name.
			if o.Model == "" && o.Provider != c.Default.Provider {
				mc.Model = ""
			}
		}
		if o.Model != "" {
			mc.Model = o.Model
		}
	}
	return mc
}

// APIKey returns the configured key for provider.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	}
	return ""
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	for _, role := range allRoles {
		mc := c.ModelFor(role)
		switch mc.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		default:
			return fmt.Errorf("unknown LLM provider %q for role %s", mc.Provider, role)
		}
		if c.APIKey(mc.Provider) == "" {
			return fmt.Errorf("role %s uses %s but no %s API key is set", role, mc.Provider, mc.Provider)
		}
	}
	switch c.Sandbox.Runtime {
	case RuntimeLocal, RuntimeDocker:
	case RuntimeSSH:
		if c.Sandbox.SSHHost == "" || c.Sandbox.SSHUser == "" {
			return fmt.Errorf("sandbox.ssh.host and sandbox.ssh.user are required for the ssh runtime")
		}
	default:
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	if c.Student.ComprehensionThreshold < 0 || c.Student.ComprehensionThreshold > 1 {
		return fmt.Errorf("student.comprehension_threshold must be within [0,1]")
	}
	return nil
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// SlackEnabled returns true if the Slack bot is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// PipelineConfig returns the stage configuration with Tutor and Student
// gated by their enable flags.
func (c *Config) PipelineConfig() pipeline.Config {
	pc := pipeline.Config{
		Expert:      c.Expert,
		Tutor:       pipeline.Disabled[pipeline.TutorConfig](),
		Student:     pipeline.Disabled[pipeline.StudentConfig](),
		Concurrency: c.Concurrency,
	}
	if c.EnableTutor {
		pc.Tutor = pipeline.Enabled(c.Tutor)
	}
	if c.EnableStudent {
		pc.Student = pipeline.Enabled(c.Student)
	}
	return pc
}

func roleKey(role llm.Role, field string) string {
	return "llm.roles." + string(role) + "." + field
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".microcase"
	}
	return filepath.Join(home, ".microcase")
}
