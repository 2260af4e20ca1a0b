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

// Package mcptoolset exposes an external MCP server's tools as tool.Spec
// values. The connection is lazy: nothing is dialed until Specs is first
// called, so building an agent stays I/O free.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/tool"
)

const (
	clientName      = "hive"
	clientVersion   = "0.1.0"
	protocolVersion = "2024-11-05"
)

// Config addresses one MCP server.
type Config struct {
	// Name identifies the toolset in logs.
	Name string

	// Transport is "stdio" or "http". Empty defaults to http when URL is
	// set, stdio otherwise.
	Transport string

	// Command and Args launch a stdio server.
	Command string
	Args    []string

	// Env is extra environment for the stdio subprocess.
	Env map[string]string

	// URL addresses a streamable-http server.
	URL string

	// IncludeTools filters the advertised tools; empty keeps all.
	IncludeTools []string
}

// Toolset is a lazily connected MCP server.
type Toolset struct {
	cfg     Config
	include map[string]bool

	mu        sync.Mutex
	client    *client.Client
	specs     []tool.Spec
	connected bool
}

// New validates the config and builds an unconnected toolset.
func New(cfg Config) (*Toolset, error) {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcptoolset %q: command is required for stdio", cfg.Name)
		}
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcptoolset %q: url is required for http", cfg.Name)
		}
	case "":
		if cfg.URL == "" && cfg.Command == "" {
			return nil, fmt.Errorf("mcptoolset %q: either url or command is required", cfg.Name)
		}
	default:
		return nil, fmt.Errorf("mcptoolset %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	var include map[string]bool
	if len(cfg.IncludeTools) > 0 {
		include = make(map[string]bool, len(cfg.IncludeTools))
		for _, name := range cfg.IncludeTools {
			include[name] = true
		}
	}
	return &Toolset{cfg: cfg, include: include}, nil
}

// Name returns the toolset name.
func (t *Toolset) Name() string { return t.cfg.Name }

// Specs lists the server's tools, connecting on first use.
func (t *Toolset) Specs(ctx context.Context) ([]tool.Spec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcptoolset %q: connect: %w", t.cfg.Name, err)
		}
	}
	return t.specs, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := t.dial()
	if err != nil {
		return err
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var specs []tool.Spec
	for _, mcpTool := range listResp.Tools {
		if t.include != nil && !t.include[mcpTool.Name] {
			continue
		}
		specs = append(specs, t.specFor(mcpTool))
	}

	t.client = mcpClient
	t.specs = specs
	t.connected = true

	slog.Info("connected to mcp server",
		"name", t.cfg.Name,
		"transport", t.transport(),
		"tools", len(specs),
	)
	return nil
}

func (t *Toolset) transport() string {
	if t.cfg.Transport != "" {
		return t.cfg.Transport
	}
	if t.cfg.Command != "" {
		return "stdio"
	}
	return "http"
}

func (t *Toolset) dial() (*client.Client, error) {
	if t.transport() == "stdio" {
		c, err := client.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return c, nil
	}
	c, err := client.NewStreamableHttpClient(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return c, nil
}

// specFor wraps one advertised tool. The handler holds the toolset, not the
// raw client, so a reconnect swaps transparently.
func (t *Toolset) specFor(mcpTool mcp.Tool) tool.Spec {
	name := mcpTool.Name
	return tool.Spec{
		Name:        name,
		Description: mcpTool.Description,
		RawSchema:   convertSchema(mcpTool.InputSchema),
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			return t.call(ctx, name, args)
		},
	}
}

func (t *Toolset) call(ctx context.Context, name string, args map[string]any) (protocol.ToolResult, error) {
	t.mu.Lock()
	mcpClient := t.client
	t.mu.Unlock()
	if mcpClient == nil {
		return protocol.ToolResult{}, fmt.Errorf("mcptoolset %q: not connected", t.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("mcp call %s: %w", name, err)
	}
	return toResult(resp), nil
}

// toResult flattens the MCP content list into one tool result. Error
// responses keep only the first text block as the error message.
func toResult(resp *mcp.CallToolResult) protocol.ToolResult {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return protocol.ToolResult{Content: msg, IsError: true}
	}
	return protocol.ToolResult{Content: strings.Join(texts, "\n")}
}

// convertSchema round-trips the MCP schema through JSON to get a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// Close shuts the connection down. The toolset reconnects on next use.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.client != nil {
		err = t.client.Close()
	}
	t.client = nil
	t.specs = nil
	t.connected = false
	return err
}
