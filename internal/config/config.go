package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"org" json:"org"`
	Notes struct {
		Visibility string `yaml:"visibility" json:"visibility"`
	} `yaml:"notes" json:"notes"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Sweep    SweepConfig     `yaml:"sweep" json:"sweep"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// SweepConfig controls the stalled-application sweep.
type SweepConfig struct {
	Schedule         string         `yaml:"schedule" json:"schedule"`
	StalledAfterDays map[string]int `yaml:"stalled_after_days" json:"stalled_after_days"`
}

// ReviewerRoles are the role ids the stage resolver understands.
var ReviewerRoles = []string{"platform_admin", "company_admin", "hiring_manager", "candidate_recruiter", "candidate"}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Notes.Visibility == "" {
		return fmt.Errorf("config.notes.visibility is required")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["platform_admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include platform_admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	for stageName, days := range c.Sweep.StalledAfterDays {
		if stageName == "" {
			return fmt.Errorf("config.sweep.stalled_after_days has empty stage")
		}
		if days <= 0 {
			return fmt.Errorf("config.sweep.stalled_after_days.%s must be positive", stageName)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
	return &cfg
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

const defaultTemplate = `org:
  id: %s

notes:
  visibility: shared

rbac:
  roles:
    platform_admin:
      description: "Operates the whole pipeline"
      permissions:
        - application.read
        - application.submit
        - application.review
        - note.read
        - document.read
        - event.read
        - role.manage
        - apikey.manage
    company_admin:
      description: "Company-side administrator"
      permissions:
        - application.read
        - application.review
        - note.read
        - document.read
        - event.read
    hiring_manager:
      description: "Reviews proposed candidates"
      permissions:
        - application.read
        - application.review
        - note.read
        - document.read
    candidate_recruiter:
      description: "Owns candidates they sourced"
      permissions:
        - application.read
        - application.submit
        - application.review
        - note.read
        - document.read
    candidate:
      description: "Applicant, read-only"
      permissions:
        - application.read

sweep:
  schedule: "@every 6h"
  stalled_after_days:
    company_review: 7
    recruiter_request: 14
`
