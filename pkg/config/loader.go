package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// File names read from the configuration directory.
const (
	MainFile     = "deepscope.yaml"
	SettingsFile = "settings.yaml"
)

// DeepscopeYAMLConfig represents the complete deepscope.yaml file structure
type DeepscopeYAMLConfig struct {
	Backend   *BackendConfig    `yaml:"backend"`
	LangGraph *LangGraphConfig  `yaml:"langgraph"`
	Chat      *ChatConfig       `yaml:"chat"`
	Research  *SettingsOverride `yaml:"research"`
	History   *HistoryConfig    `yaml:"history"`
	Retention *RetentionConfig  `yaml:"retention"`
	Server    *ServerConfig     `yaml:"server"`
	Log       *LogConfig        `yaml:"log"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load deepscope.yaml from configDir (missing file means all defaults)
//  2. Expand {{.VAR}} environment references and parse YAML
//  3. Merge each section over its built-in defaults
//  4. Layer the optional settings.yaml over the research defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"history_driver", cfg.History.Driver,
		"report_type", cfg.Research.ReportType,
		"langgraph_enabled", cfg.LangGraph.HostURL != "",
		"retention_enabled", cfg.Retention.Enabled())

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	file, err := loader.loadMainYAML()
	if err != nil {
		return nil, NewLoadError(MainFile, err)
	}

	cfg := &Config{
		configDir: configDir,
		Backend:   DefaultBackendConfig(),
		LangGraph: DefaultLangGraphConfig(),
		Chat:      DefaultChatConfig(),
		Research:  DefaultResearchSettings(),
		History:   DefaultHistoryConfig(),
		Retention: DefaultRetentionConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
	}

	if err := errors.Join(
		mergeSection("backend", cfg.Backend, file.Backend),
		mergeSection("langgraph", cfg.LangGraph, file.LangGraph),
		mergeSection("chat", cfg.Chat, file.Chat),
		mergeSection("history", cfg.History, file.History),
		mergeSection("retention", cfg.Retention, file.Retention),
		mergeSection("server", cfg.Server, file.Server),
		mergeSection("log", cfg.Log, file.Log),
	); err != nil {
		return nil, err
	}

	userSettings, err := loader.loadSettingsYAML()
	if err != nil {
		return nil, NewLoadError(SettingsFile, err)
	}
	research := ResolveSettings(*cfg.Research, file.Research, userSettings)
	cfg.Research = &research

	return cfg, nil
}

// mergeSection merges a user section over built-in defaults, user values
// winning. A section absent from the file leaves the defaults untouched.
func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// validate performs validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadMainYAML() (*DeepscopeYAMLConfig, error) {
	var file DeepscopeYAMLConfig
	if err := l.loadYAML(MainFile, &file); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("No deepscope.yaml found, using built-in defaults", "config_dir", l.configDir)
			return &file, nil
		}
		return nil, err
	}
	return &file, nil
}

// loadSettingsYAML reads persisted user research choices. A missing file
// yields nil.
func (l *configLoader) loadSettingsYAML() (*SettingsOverride, error) {
	var settings SettingsOverride
	if err := l.loadYAML(SettingsFile, &settings); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}
