package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// configDir is the configuration directory path
	// Can be set via SetConfigDir before loading config
	configDir     string
	configDirInit bool
)

// SetConfigDir sets a custom configuration directory
// Must be called before any config loading functions
func SetConfigDir(dir string) {
	configDir = dir
	configDirInit = true
}

// GetConfigDir returns the configuration directory
// Priority: 1. Manually set via SetConfigDir, 2. ./config in current directory
func GetConfigDir() string {
	if !configDirInit {
		cwd, err := os.Getwd()
		if err == nil {
			configDir = filepath.Join(cwd, "config")
		}
		configDirInit = true
	}
	return configDir
}

// Config application configuration structure
type Config struct {
	Memory       MemoryConfig       `yaml:"memory"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Context      ContextConfig      `yaml:"context"`
	Skills       SkillsConfig       `yaml:"skills"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Log          LogConfig          `yaml:"log"`
}

// MemoryConfig memory tier configuration
type MemoryConfig struct {
	DBPath              string `yaml:"db_path"`
	ShortTermTTLSeconds int    `yaml:"short_term_ttl_seconds"`
	WorkingMemoryCap    int    `yaml:"working_memory_cap"` // 0 means unbounded
}

// ScoringWeights weights of the hybrid retrieval score
type ScoringWeights struct {
	Lexical    float64 `yaml:"lexical"`
	Recency    float64 `yaml:"recency"`
	Importance float64 `yaml:"importance"`
}

// RetrievalConfig retrieval engine configuration
type RetrievalConfig struct {
	MaxResults           int            `yaml:"max_results"`
	BudgetRatio          float64        `yaml:"budget_ratio"`
	RecencyHalfLifeHours float64        `yaml:"recency_half_life_hours"`
	ScoringWeights       ScoringWeights `yaml:"scoring_weights"`
}

// ContextConfig context assembly configuration
type ContextConfig struct {
	TokenBudget  int `yaml:"token_budget"`
	RecentTurns  int `yaml:"recent_turns"`
	HistoryLimit int `yaml:"history_limit"`
}

// SkillsConfig skill registry configuration
type SkillsConfig struct {
	Dir          string `yaml:"dir"`
	CacheMaxCost int64  `yaml:"cache_max_cost"`
}

// HousekeepingConfig background maintenance configuration
type HousekeepingConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Schedule         string `yaml:"schedule"`
	PromoteThreshold int    `yaml:"promote_threshold"` // 0 disables promotion
}

// LogConfig logging configuration
type LogConfig struct {
	Level   string `yaml:"level"`
	MaxDays int    `yaml:"max_days"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Memory: MemoryConfig{
			DBPath:              filepath.Join(homeDir, ".memcore", "memory.db"),
			ShortTermTTLSeconds: 1800,
			WorkingMemoryCap:    32,
		},
		Retrieval: RetrievalConfig{
			MaxResults:           10,
			BudgetRatio:          0.3,
			RecencyHalfLifeHours: 72,
			ScoringWeights: ScoringWeights{
				Lexical:    0.6,
				Recency:    0.2,
				Importance: 0.2,
			},
		},
		Context: ContextConfig{
			TokenBudget:  4096,
			RecentTurns:  4,
			HistoryLimit: 50,
		},
		Skills: SkillsConfig{
			Dir:          filepath.Join(homeDir, ".memcore", "skills"),
			CacheMaxCost: 1 << 20,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:          true,
			Schedule:         "@every 5m",
			PromoteThreshold: 5,
		},
		Log: LogConfig{
			Level:   "info",
			MaxDays: 7,
			Console: false,
		},
	}
}

// ConfigDir returns the configuration directory path
func ConfigDir() (string, error) {
	dir := GetConfigDir()
	if dir == "" {
		return "", fmt.Errorf("failed to determine config directory")
	}
	return dir, nil
}

// LogDir returns the log directory path
func LogDir() string {
	dir := GetConfigDir()
	if dir == "" {
		return "logs"
	}
	return filepath.Join(dir, "logs")
}

// ConfigPath returns the configuration file path
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file, creating a default one if missing
func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig() // Use default values as base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to file
func Save(cfg *Config) error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	content := "# memcore configuration file\n\n" + string(data)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Memory.DBPath == "" {
		return fmt.Errorf("config error: memory.db_path cannot be empty")
	}
	if c.Memory.ShortTermTTLSeconds <= 0 {
		return fmt.Errorf("config error: memory.short_term_ttl_seconds must be greater than 0")
	}
	if c.Memory.WorkingMemoryCap < 0 {
		return fmt.Errorf("config error: memory.working_memory_cap cannot be negative")
	}

	if c.Retrieval.MaxResults <= 0 {
		return fmt.Errorf("config error: retrieval.max_results must be greater than 0")
	}
	if c.Retrieval.BudgetRatio <= 0 || c.Retrieval.BudgetRatio > 1 {
		return fmt.Errorf("config error: retrieval.budget_ratio must be in (0, 1]")
	}
	if c.Retrieval.RecencyHalfLifeHours <= 0 {
		return fmt.Errorf("config error: retrieval.recency_half_life_hours must be greater than 0")
	}
	w := c.Retrieval.ScoringWeights
	if w.Lexical < 0 || w.Recency < 0 || w.Importance < 0 {
		return fmt.Errorf("config error: retrieval.scoring_weights cannot be negative")
	}
	if w.Lexical+w.Recency+w.Importance == 0 {
		return fmt.Errorf("config error: retrieval.scoring_weights cannot all be zero")
	}

	if c.Context.TokenBudget < 0 {
		return fmt.Errorf("config error: context.token_budget cannot be negative")
	}
	if c.Context.RecentTurns < 1 {
		return fmt.Errorf("config error: context.recent_turns must be at least 1")
	}
	if c.Context.HistoryLimit < c.Context.RecentTurns {
		return fmt.Errorf("config error: context.history_limit must be at least context.recent_turns")
	}

	if c.Skills.CacheMaxCost <= 0 {
		return fmt.Errorf("config error: skills.cache_max_cost must be greater than 0")
	}

	if c.Housekeeping.Enabled && strings.TrimSpace(c.Housekeeping.Schedule) == "" {
		return fmt.Errorf("config error: housekeeping.schedule cannot be empty when enabled")
	}
	if c.Housekeeping.PromoteThreshold < 0 {
		return fmt.Errorf("config error: housekeeping.promote_threshold cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: log.level must be one of debug, info, warn, error")
	}

	return nil
}

// String returns string representation of config
func (c *Config) String() string {
	return fmt.Sprintf(`memcore Configuration:
  Memory:
    DB Path: %s
    Short-term TTL: %ds
    Working Memory Cap: %d
  Retrieval:
    Max Results: %d
    Budget Ratio: %.2f
    Recency Half-life: %.0fh
    Weights: lexical=%.2f recency=%.2f importance=%.2f
  Context:
    Token Budget: %d
    Recent Turns: %d
    History Limit: %d
  Skills:
    Dir: %s
  Housekeeping:
    Enabled: %v
    Schedule: %s
    Promote Threshold: %d
  Log:
    Level: %s
    Max Days: %d`,
		c.Memory.DBPath,
		c.Memory.ShortTermTTLSeconds,
		c.Memory.WorkingMemoryCap,
		c.Retrieval.MaxResults,
		c.Retrieval.BudgetRatio,
		c.Retrieval.RecencyHalfLifeHours,
		c.Retrieval.ScoringWeights.Lexical,
		c.Retrieval.ScoringWeights.Recency,
		c.Retrieval.ScoringWeights.Importance,
		c.Context.TokenBudget,
		c.Context.RecentTurns,
		c.Context.HistoryLimit,
		c.Skills.Dir,
		c.Housekeeping.Enabled,
		c.Housekeeping.Schedule,
		c.Housekeeping.PromoteThreshold,
		c.Log.Level,
		c.Log.MaxDays,
	)
}
