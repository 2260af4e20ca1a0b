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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/observability"
	"github.com/kadirpekel/hive/pkg/ops"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/server"
	"github.com/kadirpekel/hive/pkg/supervisor"
	"github.com/kadirpekel/hive/pkg/tool"
	"github.com/kadirpekel/hive/pkg/tool/mcptoolset"
	"github.com/kadirpekel/hive/pkg/tool/webtool"
	"github.com/kadirpekel/hive/pkg/vfs"
)

// ServeCmd hosts every configured agent behind a supervised tree.
type ServeCmd struct {
	Watch bool `help:"Watch the config source and apply live-reloadable settings."`
}

// serveApp is the running process state live reload operates on.
type serveApp struct {
	mu      sync.Mutex
	clients map[string]llm.Client
	trees   map[string]*supervisor.AgentTree
	specs   map[string][]tool.Spec
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := &serveApp{
		clients: map[string]llm.Client{},
		trees:   map[string]*supervisor.AgentTree{},
		specs:   map[string][]tool.Spec{},
	}

	cfg, loader, err := loadConfig(ctx, cli, app.applyReload)
	if err != nil {
		return err
	}
	defer loader.Close()
	setupLogging(cfg.Logging)

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = obs.Shutdown(shutdownCtx)
	}()

	events := pubsub.New()
	defer events.Close()

	for name, providerCfg := range cfg.LLMs {
		client, err := llm.NewClient(providerCfg)
		if err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
		defer client.Close()
		app.clients[name] = client
	}

	toolsets := map[string]*mcptoolset.Toolset{}
	for name, mcpCfg := range cfg.MCPServers {
		ts, err := mcptoolset.New(mcptoolset.Config{
			Name:         name,
			Transport:    mcpCfg.Transport,
			Command:      mcpCfg.Command,
			Args:         mcpCfg.Args,
			URL:          mcpCfg.URL,
			IncludeTools: mcpCfg.IncludeTools,
		})
		if err != nil {
			return err
		}
		defer ts.Close()
		toolsets[name] = ts
	}

	reg := server.NewRegistry()
	var collectors []*observability.Collector
	var dbs []*sql.DB
	defer func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	}()

	for name, agentCfg := range cfg.Agents {
		specs := agentTools(ctx, agentCfg, toolsets)
		app.specs[name] = specs

		a, err := buildAgent(name, agentCfg, app.clients[agentCfg.LLM], specs)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}

		persistence, opened, err := buildPersistence(a.ID, agentCfg.Persistence)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		dbs = append(dbs, opened...)

		var serverOpts []server.Option
		if agentCfg.InactivityTimeout > 0 {
			serverOpts = append(serverOpts, server.WithInactivityTimeout(agentCfg.InactivityTimeout))
		}
		if agentCfg.ShutdownDelay > 0 {
			serverOpts = append(serverOpts, server.WithShutdownDelay(agentCfg.ShutdownDelay))
		}

		tree, err := supervisor.NewAgentTree(supervisor.AgentTreeConfig{
			Agent:         a,
			Events:        events,
			ServerOptions: serverOpts,
			Persistence:   persistence,
		})
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		if err := tree.Start(ctx); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		defer tree.Stop(context.Background())

		if err := reg.Add(tree.Server()); err != nil {
			return err
		}
		app.trees[name] = tree

		if cfg.Observability.Metrics.Enabled {
			collectors = append(collectors, observability.NewCollector(events, a.ID, obs.Metrics()))
		}
		slog.Info("agent started", "agent_id", a.ID, "name", agentCfg.Name, "tools", len(a.Tools))
	}
	defer func() {
		for _, c := range collectors {
			c.Close()
		}
	}()

	if c.Watch {
		if err := loader.Watch(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(cfg.Ops, reg, events, obs)
		g.Go(func() error { return opsServer.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("hive serving", "agents", reg.AgentCount(), "ops", cfg.Ops.Enabled)
	return g.Wait()
}

// agentTools collects the tool specs from the agent's MCP servers. A server
// that cannot be reached is skipped with a warning so one dead dependency
// does not block boot.
func agentTools(ctx context.Context, agentCfg config.AgentConfig, toolsets map[string]*mcptoolset.Toolset) []tool.Spec {
	var specs []tool.Spec
	for _, ref := range agentCfg.MCPServers {
		ts := toolsets[ref]
		if ts == nil {
			continue
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		got, err := ts.Specs(connectCtx)
		cancel()
		if err != nil {
			slog.Warn("skipping unreachable mcp server", "server", ref, "error", err)
			continue
		}
		specs = append(specs, got...)
	}
	return specs
}

func buildAgent(name string, agentCfg config.AgentConfig, client llm.Client, specs []tool.Spec) (*agent.Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("no client for llm %q", agentCfg.LLM)
	}
	if wr := agentCfg.WebRequest; wr != nil && wr.Enabled {
		spec, err := webtool.New(webtool.Config{
			AllowedDomains: wr.AllowedDomains,
			DeniedDomains:  wr.DeniedDomains,
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return agent.New(agent.Config{
		ID:                name,
		Name:              agentCfg.Name,
		Model:             llm.Handle{Client: client, Streaming: true},
		SystemPrompt:      agentCfg.SystemPrompt,
		Tools:             specs,
		InterruptOn:       agentCfg.InterruptOn,
		TodoOpts:          agentCfg.Todos,
		FilesystemOpts:    agentCfg.Filesystem,
		SummarizationOpts: agentCfg.Summarization,
	})
}

// buildPersistence opens the configured VFS backends. The returned DB
// handles stay open for the process lifetime; the caller closes them.
func buildPersistence(agentID string, entries []config.PersistenceConfig) ([]vfs.PersistenceConfig, []*sql.DB, error) {
	var persistence []vfs.PersistenceConfig
	var dbs []*sql.DB
	for _, entry := range entries {
		var backend vfs.Backend
		switch entry.Type {
		case "disk":
			b, err := vfs.NewDiskBackend(entry.Dir)
			if err != nil {
				return nil, dbs, err
			}
			backend = b
		case "sqlite", "postgres", "mysql":
			driver := entry.Type
			if driver == "sqlite" {
				driver = "sqlite3"
			}
			db, err := sql.Open(driver, entry.DSN)
			if err != nil {
				return nil, dbs, fmt.Errorf("open %s: %w", entry.Type, err)
			}
			dbs = append(dbs, db)
			b, err := vfs.NewSQLBackend(db, vfs.Dialect(entry.Type), agentID)
			if err != nil {
				return nil, dbs, err
			}
			backend = b
		default:
			return nil, dbs, fmt.Errorf("unknown persistence type %q", entry.Type)
		}
		persistence = append(persistence, vfs.PersistenceConfig{
			BaseDirectory: entry.BaseDirectory,
			Backend:       backend,
			Debounce:      entry.Debounce,
		})
	}
	return persistence, dbs, nil
}

// applyReload applies the live-reloadable settings from a new config:
// system prompts, interrupt gates, and middleware options. Everything else
// needs a restart and is logged and skipped.
func (a *serveApp) applyReload(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, tree := range a.trees {
		agentCfg, ok := cfg.Agents[name]
		if !ok {
			slog.Warn("agent removed from config, restart required to drop it", "agent", name)
			continue
		}
		srv := tree.Server()
		if srv == nil {
			continue
		}

		rebuilt, err := buildAgent(name, agentCfg, a.clients[agentCfg.LLM], a.specs[name])
		if err != nil {
			slog.Warn("reload: rebuilding agent failed, keeping previous", "agent", name, "error", err)
			continue
		}
		st, err := srv.GetState()
		if err != nil {
			slog.Warn("reload: reading state failed", "agent", name, "error", err)
			continue
		}
		if err := srv.UpdateAgentAndState(rebuilt, st); err != nil {
			slog.Warn("reload: swap failed, keeping previous", "agent", name, "error", err)
			continue
		}
		slog.Info("agent config reloaded", "agent", name)
	}
}
