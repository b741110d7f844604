package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// InstructionsConfig system instruction text injected at the head of every context
type InstructionsConfig struct {
	Language     string                          `yaml:"language"`
	Instructions map[string]LanguageInstructions `yaml:"instructions"`
}

// LanguageInstructions instruction text for a specific language
type LanguageInstructions struct {
	System        string `yaml:"system"`
	OmittedNotice string `yaml:"omitted_notice"`
}

// DefaultInstructionsConfig returns default instruction configuration
func DefaultInstructionsConfig() *InstructionsConfig {
	return &InstructionsConfig{
		Language: "en",
		Instructions: map[string]LanguageInstructions{
			"en": {
				System: `You are a project assistant. Use the remembered facts and skills below when they are relevant.
Prefer pinned and long-term knowledge over transient notes when they disagree.`,
				OmittedNotice: "Some context was omitted to fit the token budget.",
			},
			"zh": {
				System:        `你是项目助手。在相关时使用下面记住的事实和技能。当它们冲突时，优先使用固定的和长期的知识。`,
				OmittedNotice: "部分上下文因 token 预算被省略。",
			},
		},
	}
}

// InstructionsPath returns the instructions file path
func InstructionsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "instructions.yaml"), nil
}

// LoadInstructions loads instruction configuration, falling back to defaults
func LoadInstructions() (*InstructionsConfig, error) {
	path, err := InstructionsPath()
	if err != nil {
		return DefaultInstructionsConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultInstructionsConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructions: %w", err)
	}

	cfg := DefaultInstructionsConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse instructions: %w", err)
	}

	return cfg, nil
}

// Get returns instructions for the configured language
func (c *InstructionsConfig) Get() LanguageInstructions {
	if ins, ok := c.Instructions[c.Language]; ok {
		return ins
	}
	// Fall back to English if configured language not found
	if ins, ok := c.Instructions["en"]; ok {
		return ins
	}
	return LanguageInstructions{}
}

// SystemInstruction returns the system instruction for the configured language
func (c *InstructionsConfig) SystemInstruction() string {
	return c.Get().System
}

// OmittedNotice returns the notice shown when context was dropped
func (c *InstructionsConfig) OmittedNotice() string {
	return c.Get().OmittedNotice
}
