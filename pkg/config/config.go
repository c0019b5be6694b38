// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BridgeConfig is the root configuration document.
type BridgeConfig struct {
	Bridge       BridgeSection       `yaml:"bridge"`
	Queue        QueueSection        `yaml:"queue"`
	Logging      LoggingSection      `yaml:"logging"`
	Bot          *BotSection         `yaml:"bot"`
	Github       *GithubConfig       `yaml:"github"`
	Gitlab       *GitlabConfig       `yaml:"gitlab"`
	Jira         *JiraConfig         `yaml:"jira"`
	Generic      *GenericConfig      `yaml:"generic"`
	Provisioning *ProvisioningConfig `yaml:"provisioning"`
}

// BridgeSection configures the appservice's connection to the homeserver.
type BridgeSection struct {
	Domain      string `yaml:"domain"`
	URL         string `yaml:"url"`
	MediaURL    string `yaml:"mediaUrl"`
	Port        uint16 `yaml:"port"`
	BindAddress string `yaml:"bindAddress"`
}

// QueueSection selects the queue backend. With host and port set the bridge
// uses Redis and can be split across processes; otherwise it runs monolithic
// with the in-process queue.
type QueueSection struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisAddr returns "host:port", or empty when the in-process queue is used.
func (q QueueSection) RedisAddr() string {
	if q.Host == "" || q.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", q.Host, q.Port)
}

type LoggingSection struct {
	Level string `yaml:"level"`
}

// BotSection holds the bot user's profile, asserted on startup.
type BotSection struct {
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// GithubConfig enables the GitHub integration.
type GithubConfig struct {
	Auth struct {
		ID             int64  `yaml:"id"`
		PrivateKeyFile string `yaml:"privateKeyFile"`
	} `yaml:"auth"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	OAuth *struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
	} `yaml:"oauth"`
	// BaseURL overrides the API endpoint, for GitHub Enterprise.
	BaseURL      string `yaml:"baseUrl"`
	UserIDPrefix string `yaml:"userIdPrefix"`
}

// GitlabInstance is one named GitLab deployment.
type GitlabInstance struct {
	URL string `yaml:"url"`
}

// GitlabConfig enables the GitLab integration.
type GitlabConfig struct {
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Instances    map[string]GitlabInstance `yaml:"instances"`
	UserIDPrefix string                    `yaml:"userIdPrefix"`
}

// JiraConfig enables the Jira integration.
type JiraConfig struct {
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	OAuth *struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
	} `yaml:"oauth"`
}

// GenericConfig enables arbitrary inbound webhooks.
type GenericConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URLPrefix    string `yaml:"urlPrefix"`
	UserIDPrefix string `yaml:"userIdPrefix"`
}

// ProvisioningConfig enables the provisioning API surface.
type ProvisioningConfig struct {
	Secret      string `yaml:"secret"`
	Port        uint16 `yaml:"port"`
	BindAddress string `yaml:"bindAddress"`
}

// Load reads, decodes and post-processes a config file.
func Load(path string) (*BridgeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg BridgeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates required sections.
func (c *BridgeConfig) PostProcess() error {
	if c.Bridge.Domain == "" || c.Bridge.URL == "" {
		return fmt.Errorf("bridge.domain and bridge.url are required")
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 9993
	}
	if c.Bridge.BindAddress == "" {
		c.Bridge.BindAddress = "127.0.0.1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Github == nil && c.Gitlab == nil && c.Jira == nil && c.Generic == nil {
		return fmt.Errorf("no integrations configured: at least one of github, gitlab, jira or generic is required")
	}
	if c.Github != nil && c.Github.UserIDPrefix == "" {
		c.Github.UserIDPrefix = "_github_"
	}
	if c.Gitlab != nil {
		if len(c.Gitlab.Instances) == 0 {
			return fmt.Errorf("gitlab.instances must name at least one instance")
		}
		for name, instance := range c.Gitlab.Instances {
			if instance.URL == "" {
				return fmt.Errorf("gitlab.instances.%s.url is required", name)
			}
		}
		if c.Gitlab.UserIDPrefix == "" {
			c.Gitlab.UserIDPrefix = "_gitlab_"
		}
	}
	if c.Generic != nil && c.Generic.Enabled && c.Generic.URLPrefix == "" {
		return fmt.Errorf("generic.urlPrefix is required when generic webhooks are enabled")
	}
	return nil
}

// GenericEnabled reports whether generic webhook support is switched on.
func (c *BridgeConfig) GenericEnabled() bool {
	return c.Generic != nil && c.Generic.Enabled
}
