// Package config loads and validates the daemon's YAML configuration.
// Every option group carries documented defaults; Load applies defaults,
// environment overrides, then validation.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object. One YAML file, loaded once at
// startup; a subset of fields is hot-reloadable via POST /admin/config/reload.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Models      ModelsConfig     `yaml:"models"`
	Memory      MemoryConfig     `yaml:"memory"`
	Routing     RoutingConfig    `yaml:"routing"`
	Security    SecurityConfig   `yaml:"security"`
	Logging     LoggingConfig    `yaml:"logging"`
	RAG         RAGConfig        `yaml:"rag"`
	HelperNodes []HelperNode     `yaml:"helper_nodes"`
	Presets     PresetsConfig    `yaml:"presets"`
	Agents      AgentsConfig     `yaml:"agents"`
	Skills      SkillsConfig     `yaml:"skills"`
	Sandbox     SandboxConfig    `yaml:"sandbox"`
	Journaling  JournalingConfig `yaml:"journaling"`
}

// Load reads the YAML file at path, applies defaults, environment overrides,
// and validates. A missing path yields the pure-default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := unmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.SetDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// SetDefaults fills unset fields on every group.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Models.SetDefaults()
	c.Memory.SetDefaults()
	c.Routing.SetDefaults()
	c.Security.SetDefaults()
	c.Logging.SetDefaults()
	c.RAG.SetDefaults()
	for i := range c.HelperNodes {
		c.HelperNodes[i].SetDefaults()
	}
	c.Presets.SetDefaults()
	c.Agents.SetDefaults()
	c.Skills.SetDefaults()
	c.Sandbox.SetDefaults()
	c.Journaling.SetDefaults()
}

// Validate checks every group and names the failing one.
func (c *Config) Validate() error {
	groups := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"models", &c.Models},
		{"memory", &c.Memory},
		{"routing", &c.Routing},
		{"security", &c.Security},
		{"logging", &c.Logging},
		{"rag", &c.RAG},
		{"presets", &c.Presets},
		{"agents", &c.Agents},
		{"skills", &c.Skills},
		{"sandbox", &c.Sandbox},
		{"journaling", &c.Journaling},
	}
	for _, g := range groups {
		if err := g.v.Validate(); err != nil {
			return fmt.Errorf("config %s: %w", g.name, err)
		}
	}
	for i := range c.HelperNodes {
		if err := c.HelperNodes[i].Validate(); err != nil {
			return fmt.Errorf("config helper_nodes[%d]: %w", i, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides that take precedence over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("LMX_ADMIN_KEY"); v != "" {
		c.Security.AdminKey = v
	}
	if v := os.Getenv("LMX_LISTEN_ADDR"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("LMX_MODELS_ROOT"); v != "" {
		c.Models.Root = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Models.HFToken = v
	}
}
