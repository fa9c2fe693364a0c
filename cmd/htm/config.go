// cmd/htm/config.go
package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lumix-ai/htm/internal/backtest"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/server"
	"github.com/lumix-ai/htm/internal/stream"
)

type Config struct {
	Logging   LoggingConfig          `yaml:"logging"`
	Model     model.Config           `yaml:"model"`
	Runner    stream.RunnerConfig    `yaml:"runner"`
	CSV       stream.CSVSourceConfig `yaml:"csv"`
	JSONLines stream.JSONLinesConfig `yaml:"jsonl"`
	Output    OutputConfig           `yaml:"output"`
	Backtest  backtest.Config        `yaml:"backtest"`
	Server    server.Config          `yaml:"server"`
	Presets   map[string]Preset      `yaml:"presets"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OutputConfig - sinks of a single-stream run; empty paths disable a sink
type OutputConfig struct {
	CSV              string `yaml:"csv"`
	ShiftPredictions bool   `yaml:"shift_predictions"`
	SQLite           string `yaml:"sqlite"`
	SQLiteBatch      int    `yaml:"sqlite_batch"`
	WebSocketAddr    string `yaml:"websocket_addr"`
	WebSocketWindow  int    `yaml:"websocket_window"`
}

// Preset - a known dataset and the encoder range and thresholds tuned for it
type Preset struct {
	Input     string  `yaml:"input"`
	MinVal    float64 `yaml:"min_val"`
	MaxVal    float64 `yaml:"max_val"`
	Window    int     `yaml:"window"`
	Threshold float64 `yaml:"threshold"`
}

func defaultConfig() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		Model:     model.DefaultConfig(),
		Runner:    stream.DefaultRunnerConfig(),
		CSV:       stream.DefaultCSVSourceConfig(),
		JSONLines: stream.DefaultJSONLinesConfig(),
		Output:    OutputConfig{SQLiteBatch: 500, WebSocketWindow: 1000},
		Backtest:  backtest.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Presets:   defaultPresets(),
	}
}

func defaultPresets() map[string]Preset {
	return map[string]Preset{
		"machine_temperature": {
			Input:     "./data/machine_temperature_system_failure.csv",
			MinVal:    0,
			MaxVal:    110,
			Window:    22694,
			Threshold: 0.97,
		},
		"twitter_goog": {
			Input:     "./data/Twitter_volume_GOOG.csv",
			MinVal:    0,
			MaxVal:    1000,
			Window:    15841,
			Threshold: 0.9,
		},
	}
}

// loadConfig - defaults overlaid with the YAML file at path. A missing file is only an
// error when the caller named it explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && !explicit:
		return config, validateConfig(config)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.Model = config.Model.Normalize()

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if err := config.Model.Validate(); err != nil {
		return err
	}
	if err := config.Runner.Validate(); err != nil {
		return err
	}
	for name, p := range config.Presets {
		if p.Input == "" {
			return fmt.Errorf("preset %s: input is required", name)
		}
		if p.MaxVal <= p.MinVal {
			return fmt.Errorf("preset %s: max_val must exceed min_val", name)
		}
		if p.Threshold < 0 || p.Threshold > 1 {
			return fmt.Errorf("preset %s: threshold must be in [0, 1]", name)
		}
	}
	return nil
}

// applyPreset - model and runner settings for a named dataset
func (c *Config) applyPreset(name string) (Preset, error) {
	p, ok := c.Presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q (have %v)", name, c.presetNames())
	}
	c.Model.Encoder.MinVal = p.MinVal
	c.Model.Encoder.MaxVal = p.MaxVal
	c.Runner.Name = name
	if p.Threshold > 0 {
		c.Runner.AnomalyThreshold = p.Threshold
	}
	if p.Window > 0 {
		c.Output.WebSocketWindow = p.Window
	}
	return p, c.Model.Validate()
}

func (c *Config) presetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for name := range c.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// backtestJobs - one job per preset, each with its own copy of the model config
func (c *Config) backtestJobs() []backtest.Job {
	var jobs []backtest.Job
	for _, name := range c.presetNames() {
		p := c.Presets[name]
		cfg := c.Model
		cfg.Encoder.MinVal, cfg.Encoder.MaxVal = p.MinVal, p.MaxVal
		jobs = append(jobs, backtest.Job{Name: name, Input: p.Input, Model: cfg, Threshold: p.Threshold})
	}
	return jobs
}
