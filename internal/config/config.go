// Package config loads coxswain configuration from a YAML file with
// environment-variable overrides (prefix COXSWAIN_).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	DataDir   string          `koanf:"data_dir" yaml:"data_dir"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Worker    WorkerConfig    `koanf:"worker" yaml:"worker"`
	RateLimit RateLimitConfig `koanf:"rate_limit" yaml:"rate_limit"`
	API       APIConfig       `koanf:"api" yaml:"api"`
	Transport TransportConfig `koanf:"transport" yaml:"transport"`
}

// LoggingConfig controls operational log output.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // console, json
}

// WorkerConfig controls AI CLI subprocess invocation.
type WorkerConfig struct {
	Command       string          `koanf:"command" yaml:"command"`
	Model         string          `koanf:"model" yaml:"model"`
	PlanByDefault bool            `koanf:"plan_by_default" yaml:"plan_by_default"`
	Container     ContainerConfig `koanf:"container" yaml:"container"`
}

// ContainerConfig controls containerized execution mode.
type ContainerConfig struct {
	Runtime string `koanf:"runtime" yaml:"runtime"`
	Image   string `koanf:"image" yaml:"image"`
}

// RateLimitConfig controls throttle detection and auto-resume.
type RateLimitConfig struct {
	ResumeDelaySeconds int      `koanf:"resume_delay_seconds" yaml:"resume_delay_seconds"`
	DrainAll           bool     `koanf:"drain_all" yaml:"drain_all"`
	Signatures         []string `koanf:"signatures" yaml:"signatures"`
}

// APIConfig controls the ops/ingress HTTP server.
type APIConfig struct {
	Listen string `koanf:"listen" yaml:"listen"`
}

// TransportConfig controls outbound chat delivery.
type TransportConfig struct {
	Mode              string  `koanf:"mode" yaml:"mode"` // log, webhook
	WebhookURL        string  `koanf:"webhook_url" yaml:"webhook_url"`
	MessageLimit      int     `koanf:"message_limit" yaml:"message_limit"`
	ProgressPerSecond float64 `koanf:"progress_per_second" yaml:"progress_per_second"`
	ProgressBurst     int     `koanf:"progress_burst" yaml:"progress_burst"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                        ".coxswain",
		"logging.level":                   "info",
		"logging.format":                  "console",
		"worker.command":                  "claude",
		"worker.model":                    "opus",
		"worker.plan_by_default":          false,
		"worker.container.runtime":        "docker",
		"worker.container.image":          "",
		"rate_limit.resume_delay_seconds": 300,
		"rate_limit.drain_all":            false,
		"api.listen":                      "127.0.0.1:8787",
		"transport.mode":                  "log",
		"transport.message_limit":         4000,
		"transport.progress_per_second":   0.5,
		"transport.progress_burst":        3,
	}
}

// Load reads configuration from path, layering defaults, then the file, then
// COXSWAIN_-prefixed environment variables. An empty path falls back to
// ./coxswain.yaml and $HOME/.coxswain.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		for _, candidate := range []string{"./coxswain.yaml", "$HOME/.coxswain.yaml"} {
			candidate = os.ExpandEnv(candidate)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// COXSWAIN_LOGGING_LEVEL → logging.level. Keys whose name itself
	// contains an underscore (data_dir, webhook_url, ...) are set via the
	// file, not the environment.
	if err := k.Load(env.Provider("COXSWAIN_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "COXSWAIN_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir: ".coxswain",
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Worker: WorkerConfig{
			Command: "claude",
			Model:   "opus",
			Container: ContainerConfig{
				Runtime: "docker",
			},
		},
		RateLimit: RateLimitConfig{
			ResumeDelaySeconds: 300,
		},
		API: APIConfig{Listen: "127.0.0.1:8787"},
		Transport: TransportConfig{
			Mode:              "log",
			MessageLimit:      4000,
			ProgressPerSecond: 0.5,
			ProgressBurst:     3,
		},
	}
}

// Write marshals cfg to YAML at path, creating parent directories as needed.
func Write(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
