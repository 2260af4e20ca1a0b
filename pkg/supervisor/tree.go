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

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/server"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/vfs"
)

// AgentTreeConfig shapes one agent's supervision subtree.
type AgentTreeConfig struct {
	Agent  *agent.Agent
	Events *pubsub.Broadcaster

	// StateFactory produces the server's state on each (re)start. Defaults
	// to an empty state; wire restoration here if conversations must
	// survive server restarts.
	StateFactory func() state.State

	// ServerOptions are appended to the tree's own wiring.
	ServerOptions []server.Option
	VFSOptions    []vfs.Option

	// Persistence backends registered on the VFS at start.
	Persistence []vfs.PersistenceConfig

	Logger *slog.Logger
}

// AgentTree is the per-agent subtree: VFS, then AgentServer, then the
// sub-agent scope, supervised rest-for-one. The VFS starts first and stops
// last, so in-memory files survive an AgentServer restart.
type AgentTree struct {
	config AgentTreeConfig
	sup    *Supervisor
	logger *slog.Logger

	mu  sync.Mutex
	fs  *vfs.FS
	srv *server.AgentServer
}

// NewAgentTree assembles the subtree without starting it.
func NewAgentTree(cfg AgentTreeConfig, opts ...Option) (*AgentTree, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("supervisor: agent tree requires an agent")
	}
	if cfg.StateFactory == nil {
		agentID := cfg.Agent.ID
		cfg.StateFactory = func() state.State { return state.New(agentID) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &AgentTree{config: cfg, logger: logger}
	t.sup = New([]ChildSpec{
		{ID: "vfs", Start: t.startVFS},
		{ID: "agent_server", Start: t.startServer},
		{ID: "subagents", Start: t.startSubAgentScope},
	}, append([]Option{WithLogger(logger)}, opts...)...)
	return t, nil
}

// Start brings the subtree up in order.
func (t *AgentTree) Start(ctx context.Context) error {
	return t.sup.Start(ctx)
}

// Stop tears the subtree down, AgentServer before VFS.
func (t *AgentTree) Stop(ctx context.Context) error {
	return t.sup.Stop(ctx)
}

// Server returns the live agent server, nil while restarting.
func (t *AgentTree) Server() *server.AgentServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srv
}

// Files returns the live VFS.
func (t *AgentTree) Files() *vfs.FS {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fs
}

func (t *AgentTree) startVFS(ctx context.Context, notify func(error)) (StopFunc, error) {
	fs := vfs.New(t.config.Agent.ID, t.config.VFSOptions...)
	for _, p := range t.config.Persistence {
		if err := fs.RegisterPersistence(ctx, p); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("register persistence: %w", err)
		}
	}

	t.mu.Lock()
	t.fs = fs
	t.mu.Unlock()

	return func(context.Context) error {
		t.mu.Lock()
		t.fs = nil
		t.mu.Unlock()
		return fs.Close()
	}, nil
}

func (t *AgentTree) startServer(ctx context.Context, notify func(error)) (StopFunc, error) {
	t.mu.Lock()
	fs := t.fs
	t.mu.Unlock()

	opts := []server.Option{
		server.WithFiles(fs),
		server.WithLogger(t.logger),
		// An inactivity shutdown takes the whole subtree with it.
		server.WithOnShutdown(func(reason string) {
			_ = t.Stop(context.Background())
		}),
	}
	if t.config.Events != nil {
		opts = append(opts, server.WithPubSub(t.config.Events))
	}
	opts = append(opts, t.config.ServerOptions...)

	srv := server.NewAgentServer(t.config.Agent, t.config.StateFactory(), opts...)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.srv = srv
	t.mu.Unlock()

	return func(context.Context) error {
		t.mu.Lock()
		t.srv = nil
		t.mu.Unlock()
		return srv.Stop("supervisor stop")
	}, nil
}

// startSubAgentScope supervises the dynamic set of sub-agents. Children run
// inside delegate calls; the scope's job is discarding parked children when
// this part of the tree restarts.
func (t *AgentTree) startSubAgentScope(ctx context.Context, notify func(error)) (StopFunc, error) {
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()

	return func(context.Context) error {
		if srv != nil {
			if engine := srv.SubAgentEngine(); engine != nil {
				engine.DiscardParked()
			}
		}
		return nil
	}, nil
}
