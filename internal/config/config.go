// Package config provides the Config struct and loader for operator.yaml
// project-level configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the operator configuration. Default() references them;
// no other code should duplicate them.
const (
	DefaultConfigFile = "operator.yaml"

	DefaultVMTTLSeconds = 3600
	DefaultVMTTLAction  = "pause"

	DefaultModel       = "sonnet"
	DefaultServiceName = "operator"

	DefaultServerPort   = 4000
	DefaultPollInterval = 5 * time.Second

	// DefaultSystemPrompt provisions sessions when the task has no prompt
	// selected from the library.
	DefaultSystemPrompt = `You are an Operator meta-agent that helps users build software applications using the sw-compose framework.
You are working in the ~/operator/sw-compose directory which contains a Next.js application with VM management capabilities. The user can see src/app/page.tsx.
The development server is running on port 3000 and will auto-reload when you make changes.`

	// TemplateMetadataKey tags snapshots that are reusable boot templates;
	// snapshot listings filter on it.
	TemplateMetadataKey = "operator-template"
)

// VMConfig holds compute provider settings.
type VMConfig struct {
	SnapshotID string `yaml:"snapshot_id,omitempty"`
	TTLSeconds int    `yaml:"ttl_seconds,omitempty"`
	TTLAction  string `yaml:"ttl_action,omitempty"`
}

// ServerConfig holds the HTTP API server settings.
type ServerConfig struct {
	Port         int      `yaml:"port,omitempty"`
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "instantdb" (default) or "memory" for local development.
	Backend    string `yaml:"backend,omitempty"`
	AppID      string `yaml:"app_id,omitempty"`
	AdminToken string `yaml:"admin_token,omitempty"`
}

// Config is the full operator.yaml document.
type Config struct {
	VM           VMConfig      `yaml:"vm,omitempty"`
	Server       ServerConfig  `yaml:"server,omitempty"`
	Store        StoreConfig   `yaml:"store,omitempty"`
	Model        string        `yaml:"model,omitempty"`
	MorphAPIKey  string        `yaml:"morph_api_key,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		VM: VMConfig{
			TTLSeconds: DefaultVMTTLSeconds,
			TTLAction:  DefaultVMTTLAction,
		},
		Server:       ServerConfig{Port: DefaultServerPort},
		Store:        StoreConfig{Backend: "instantdb"},
		Model:        DefaultModel,
		PollInterval: DefaultPollInterval,
	}
}

// Load reads path (or DefaultConfigFile when path is empty), applies
// defaults for anything unset, then applies environment overrides. A missing
// file is not an error; env-only configuration is supported.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fall through to env overrides.
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.applyDefaults()
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.VM.TTLSeconds == 0 {
		c.VM.TTLSeconds = d.VM.TTLSeconds
	}
	if c.VM.TTLAction == "" {
		c.VM.TTLAction = d.VM.TTLAction
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
}

// applyEnv maps environment variables over the file values. Secrets are
// expected to come from the environment, not the checked-in yaml.
func (c *Config) applyEnv() {
	if v := os.Getenv("MORPH_API_KEY"); v != "" {
		c.MorphAPIKey = v
	}
	if v := os.Getenv("INSTANT_APP_ID"); v != "" {
		c.Store.AppID = v
	}
	if v := os.Getenv("INSTANT_ADMIN_TOKEN"); v != "" {
		c.Store.AdminToken = v
	}
	if v := os.Getenv("OPERATOR_SNAPSHOT_ID"); v != "" {
		c.VM.SnapshotID = v
	}
}

// Validate checks the combinations required to actually serve.
func (c *Config) Validate() error {
	if c.MorphAPIKey == "" {
		return errors.New("config: morph api key is required (MORPH_API_KEY)")
	}
	if c.Store.Backend == "instantdb" && (c.Store.AppID == "" || c.Store.AdminToken == "") {
		return errors.New("config: instantdb backend requires app id and admin token")
	}
	if c.VM.TTLAction != "pause" && c.VM.TTLAction != "stop" {
		return fmt.Errorf("config: invalid ttl_action %q", c.VM.TTLAction)
	}
	return nil
}

// Save writes the config back to path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
