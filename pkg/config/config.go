// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the hive runtime configuration: model providers,
// agent definitions, persistence backends, and the ops surface. Sources
// are YAML documents from a file or a remote provider, with ${VAR}
// environment expansion applied before decoding.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/hive/pkg/llm"
)

// Config is the root document.
type Config struct {
	Logging       LoggingConfig                 `mapstructure:"logging"`
	LLMs          map[string]llm.ProviderConfig `mapstructure:"llms"`
	Agents        map[string]AgentConfig        `mapstructure:"agents"`
	MCPServers    map[string]MCPServerConfig    `mapstructure:"mcp_servers"`
	Ops           OpsConfig                     `mapstructure:"ops"`
	Observability ObservabilityConfig           `mapstructure:"observability"`
}

// LoggingConfig tunes the process-wide logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// AgentConfig defines one hosted agent.
type AgentConfig struct {
	Name         string `mapstructure:"name"`
	LLM          string `mapstructure:"llm"`
	SystemPrompt string `mapstructure:"system_prompt"`

	// InterruptOn maps tool names to review gates: true, false, or
	// {allowed_decisions: [...]}.
	InterruptOn map[string]any `mapstructure:"interrupt_on"`

	// Option maps handed to the default middleware stack.
	Todos         map[string]any `mapstructure:"todos"`
	Filesystem    map[string]any `mapstructure:"filesystem"`
	Summarization map[string]any `mapstructure:"summarization"`

	// MCPServers name the external toolset servers this agent uses.
	MCPServers []string `mapstructure:"mcp_servers"`

	// WebRequest enables the built-in web_request tool.
	WebRequest *WebRequestConfig `mapstructure:"web_request"`

	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ShutdownDelay     time.Duration `mapstructure:"shutdown_delay"`

	Persistence []PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig wires one VFS backend.
type PersistenceConfig struct {
	// Type is sqlite, postgres, mysql, or disk.
	Type string `mapstructure:"type"`

	// DSN for SQL backends.
	DSN string `mapstructure:"dsn"`

	// Dir is the root for the disk backend.
	Dir string `mapstructure:"dir"`

	// BaseDirectory is the VFS subtree this backend covers; empty covers
	// everything.
	BaseDirectory string `mapstructure:"base_directory"`

	Debounce time.Duration `mapstructure:"debounce"`
}

// WebRequestConfig bounds the built-in web_request tool.
type WebRequestConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	DeniedDomains  []string `mapstructure:"denied_domains"`
}

// MCPServerConfig addresses one MCP toolset server.
type MCPServerConfig struct {
	// Transport is stdio or http.
	Transport string `mapstructure:"transport"`

	// Command and Args launch a stdio server.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// URL addresses an http server.
	URL string `mapstructure:"url"`

	// IncludeTools filters the advertised tools; empty keeps all.
	IncludeTools []string `mapstructure:"include_tools"`
}

// OpsConfig exposes the operational HTTP surface.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ObservabilityConfig tunes metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector; empty falls back to stdout.
	Endpoint string `mapstructure:"endpoint"`

	ServiceName string `mapstructure:"service_name"`
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = ":8080"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "hive"
	}
	for name, a := range c.Agents {
		if a.Name == "" {
			a.Name = name
		}
		if a.ShutdownDelay == 0 {
			a.ShutdownDelay = 100 * time.Millisecond
		}
		c.Agents[name] = a
	}
}

// Validate checks cross-references and required fields.
func (c *Config) Validate() error {
	for name, p := range c.LLMs {
		if p.Type == "" {
			return fmt.Errorf("config: llm %q: type is required", name)
		}
		if p.Model == "" {
			return fmt.Errorf("config: llm %q: model is required", name)
		}
	}
	for name, a := range c.Agents {
		if a.LLM == "" {
			return fmt.Errorf("config: agent %q: llm is required", name)
		}
		if _, ok := c.LLMs[a.LLM]; !ok {
			return fmt.Errorf("config: agent %q references unknown llm %q", name, a.LLM)
		}
		for _, ref := range a.MCPServers {
			if _, ok := c.MCPServers[ref]; !ok {
				return fmt.Errorf("config: agent %q references unknown mcp server %q", name, ref)
			}
		}
		for i, p := range a.Persistence {
			switch p.Type {
			case "sqlite", "postgres", "mysql":
				if p.DSN == "" {
					return fmt.Errorf("config: agent %q: persistence[%d]: dsn is required for %s", name, i, p.Type)
				}
			case "disk":
				if p.Dir == "" {
					return fmt.Errorf("config: agent %q: persistence[%d]: dir is required for disk", name, i)
				}
			default:
				return fmt.Errorf("config: agent %q: persistence[%d]: unknown type %q", name, i, p.Type)
			}
		}
	}
	for name, m := range c.MCPServers {
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				return fmt.Errorf("config: mcp server %q: command is required for stdio", name)
			}
		case "http", "":
			if m.URL == "" {
				return fmt.Errorf("config: mcp server %q: url is required for http", name)
			}
		default:
			return fmt.Errorf("config: mcp server %q: unknown transport %q", name, m.Transport)
		}
	}
	return nil
}
