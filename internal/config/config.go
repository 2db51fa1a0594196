package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Capabilities the engine checks. Roles grant them via storyflow.yml.
const (
	CapMoveForward = "content.move_forward"
	CapAssign      = "content.assign"
	CapRead        = "content.read"
	CapRBACManage  = "rbac.manage"
)

// Config models storyflow.yml.
type Config struct {
	Pipeline struct {
		Name string `yaml:"name"`
	} `yaml:"pipeline"`
	RBAC struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
	Notifiers []NotifierConfig `yaml:"notifiers"`
}

type Role struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// NotifierConfig is one downstream endpoint for timeline events. Delivery is
// fire-and-forget; a dead notifier never blocks a move.
type NotifierConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sf init or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if storyflow.yml does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Name == "" {
		return fmt.Errorf("config.pipeline.name is required")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, cap := range role.Capabilities {
			if cap == "" {
				return fmt.Errorf("role %s has empty capability id", roleID)
			}
		}
	}
	for i, n := range c.Notifiers {
		if n.URL == "" {
			return fmt.Errorf("notifier %d has empty url", i)
		}
	}
	return nil
}

// MoverRoles returns role ids granting the move-forward capability.
func (c *Config) MoverRoles() []string {
	var roles []string
	for id, role := range c.RBAC.Roles {
		for _, cap := range role.Capabilities {
			if cap == CapMoveForward {
				roles = append(roles, id)
				break
			}
		}
	}
	return roles
}

// RoleHasCapability answers from the config alone, without the DB.
func (c *Config) RoleHasCapability(roleID, capability string) bool {
	role, ok := c.RBAC.Roles[roleID]
	if !ok {
		return false
	}
	for _, cap := range role.Capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  name: storyflow

rbac:
  roles:
    admin:
      description: "Full pipeline control"
      capabilities: [content.read, content.assign, content.move_forward, rbac.manage]
    manager:
      description: "Runs the content pipeline"
      capabilities: [content.read, content.assign, content.move_forward]
    editor:
      description: "Writes and advances content"
      capabilities: [content.read, content.move_forward]
    agent:
      description: "Support agent, read-only on the pipeline"
      capabilities: [content.read]
    viewer:
      description: "Dashboard read access"
      capabilities: [content.read]

notifiers: []
`
