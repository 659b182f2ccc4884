package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Web       WebConfig       `yaml:"web"`
	LLM       LLMConfig       `yaml:"llm"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Log       LogConfig       `yaml:"log"`
	Bees      BeesConfig      `yaml:"bees"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey may be a literal or a "secret:NAME" reference into the vault.
	APIKey string `yaml:"api_key"`
}

type SwarmConfig struct {
	BeeTimeout          time.Duration `yaml:"bee_timeout"`
	ComplexityThreshold float64       `yaml:"complexity_threshold"`
	PhaseBaseMs         int64         `yaml:"phase_base_ms"`
	BeeExtraMs          int64         `yaml:"bee_extra_ms"`
	Verbosity           string        `yaml:"verbosity"`
	Formality           string        `yaml:"formality"`
}

type QueueConfig struct {
	LeaseTTL   time.Duration `yaml:"lease_ttl"`
	MaxDeliver int           `yaml:"max_deliver"`
}

type SchedulerConfig struct {
	RecoveryCron string        `yaml:"recovery_cron"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BeesConfig struct {
	SeedFile string `yaml:"seed_file"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
		},
		Swarm: SwarmConfig{
			BeeTimeout:          2 * time.Minute,
			ComplexityThreshold: 0.5,
			PhaseBaseMs:         8000,
			BeeExtraMs:          1500,
			Verbosity:           "balanced",
			Formality:           "neutral",
		},
		Queue: QueueConfig{
			LeaseTTL:   5 * time.Minute,
			MaxDeliver: 5,
		},
		Scheduler: SchedulerConfig{
			RecoveryCron: "*/5 * * * *",
			StaleAfter:   10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		path = "config/hive.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HIVE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HIVE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("HIVE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Swarm.ComplexityThreshold <= 0 || c.Swarm.ComplexityThreshold >= 1 {
		return fmt.Errorf("swarm.complexity_threshold must be in (0,1), got %v", c.Swarm.ComplexityThreshold)
	}
	if c.Swarm.BeeTimeout <= 0 {
		return fmt.Errorf("swarm.bee_timeout must be positive")
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("queue.lease_ttl must be positive")
	}
	if c.Queue.MaxDeliver < 1 {
		return fmt.Errorf("queue.max_deliver must be at least 1")
	}
	if c.Scheduler.RecoveryCron != "" && !gronx.New().IsValid(c.Scheduler.RecoveryCron) {
		return fmt.Errorf("scheduler.recovery_cron %q is not a valid cron expression", c.Scheduler.RecoveryCron)
	}
	return nil
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
