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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/server"
	"github.com/kadirpekel/hive/pkg/supervisor"
	"github.com/kadirpekel/hive/pkg/tool/mcptoolset"
)

// ChatCmd drives one configured agent interactively.
type ChatCmd struct {
	Agent string `arg:"" optional:"" help:"Agent name (defaults to the only configured agent)."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("chat requires an interactive terminal")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli, nil)
	if err != nil {
		return err
	}
	defer loader.Close()
	setupLogging(cfg.Logging)

	name, agentCfg, err := pickAgent(cfg, c.Agent)
	if err != nil {
		return err
	}

	client, err := llm.NewClient(cfg.LLMs[agentCfg.LLM])
	if err != nil {
		return err
	}
	defer client.Close()

	var specs = agentTools(ctx, agentCfg, chatToolsets(cfg, agentCfg))
	a, err := buildAgent(name, agentCfg, client, specs)
	if err != nil {
		return err
	}

	persistence, dbs, err := buildPersistence(a.ID, agentCfg.Persistence)
	if err != nil {
		return err
	}
	defer func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	}()

	events := pubsub.New()
	defer events.Close()

	tree, err := supervisor.NewAgentTree(supervisor.AgentTreeConfig{
		Agent:       a,
		Events:      events,
		Persistence: persistence,
	})
	if err != nil {
		return err
	}
	if err := tree.Start(ctx); err != nil {
		return err
	}
	defer tree.Stop(context.Background())

	srv := tree.Server()
	sub := srv.Subscribe()
	defer sub.Unsubscribe()

	fmt.Printf("chatting with %s (ctrl-d to quit)\n", agentCfg.Name)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := srv.AddMessage(protocol.NewUserMessage(line)); err != nil {
			return err
		}
		if err := srv.Execute(ctx); err != nil {
			fmt.Println(err)
			continue
		}
		if err := c.awaitTurn(ctx, srv, sub, scanner); err != nil {
			return err
		}
	}
}

// pickAgent resolves the agent to chat with: the named one, or the single
// configured one.
func pickAgent(cfg *config.Config, name string) (string, config.AgentConfig, error) {
	if name != "" {
		agentCfg, ok := cfg.Agents[name]
		if !ok {
			return "", config.AgentConfig{}, fmt.Errorf("unknown agent %q", name)
		}
		return name, agentCfg, nil
	}
	if len(cfg.Agents) != 1 {
		return "", config.AgentConfig{}, fmt.Errorf("config defines %d agents, pick one", len(cfg.Agents))
	}
	for key, agentCfg := range cfg.Agents {
		return key, agentCfg, nil
	}
	return "", config.AgentConfig{}, fmt.Errorf("no agents configured")
}

func chatToolsets(cfg *config.Config, agentCfg config.AgentConfig) map[string]*mcptoolset.Toolset {
	toolsets := map[string]*mcptoolset.Toolset{}
	for _, ref := range agentCfg.MCPServers {
		mcpCfg := cfg.MCPServers[ref]
		ts, err := mcptoolset.New(mcptoolset.Config{
			Name:         ref,
			Transport:    mcpCfg.Transport,
			Command:      mcpCfg.Command,
			Args:         mcpCfg.Args,
			URL:          mcpCfg.URL,
			IncludeTools: mcpCfg.IncludeTools,
		})
		if err != nil {
			continue
		}
		toolsets[ref] = ts
	}
	return toolsets
}

// awaitTurn renders events until the turn reaches a settled status.
// Interrupts are resolved inline with an approve/edit/reject prompt and the
// turn resumes.
func (c *ChatCmd) awaitTurn(ctx context.Context, srv *server.AgentServer, sub *pubsub.Subscription, scanner *bufio.Scanner) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch event.Type {
			case pubsub.EventLLMDeltas:
				if p, ok := event.Payload.(pubsub.LLMDeltasPayload); ok {
					printDeltas(p.Deltas)
				}
			case pubsub.EventLLMMessage:
				if msg, ok := event.Payload.(protocol.Message); ok && msg.Role == protocol.RoleAssistant {
					for _, call := range msg.ToolCalls {
						fmt.Printf("\n[tool] %s\n", call.Name)
					}
				}
			case pubsub.EventStatusChanged:
				p, ok := event.Payload.(pubsub.StatusChangedPayload)
				if !ok {
					continue
				}
				switch p.Status {
				case "idle", "cancelled":
					fmt.Println()
					return nil
				case "error":
					fmt.Printf("\nturn failed: %v\n", p.Payload)
					return nil
				case "interrupted":
					if err := c.resolveInterrupt(ctx, srv, scanner); err != nil {
						return err
					}
				}
			}
		}
	}
}

func printDeltas(deltas []protocol.MessageDelta) {
	for _, delta := range deltas {
		for _, part := range delta.Parts {
			if part.Type == protocol.PartText {
				fmt.Print(part.Content)
			}
		}
	}
}

// resolveInterrupt prompts for each gated call and resumes the turn.
func (c *ChatCmd) resolveInterrupt(ctx context.Context, srv *server.AgentServer, scanner *bufio.Scanner) error {
	data, err := srv.GetInterrupt()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	for {
		decisions := make([]protocol.Decision, 0, len(data.ActionRequests))
		for _, req := range data.ActionRequests {
			args, _ := json.Marshal(req.Arguments)
			fmt.Printf("\nagent wants to run %s %s\n", req.ToolName, args)
			decisions = append(decisions, promptDecision(scanner))
		}
		if err := srv.Resume(ctx, decisions); err != nil {
			fmt.Printf("resume rejected: %v\n", err)
			continue
		}
		return nil
	}
}

func promptDecision(scanner *bufio.Scanner) protocol.Decision {
	for {
		fmt.Print("[a]pprove / [e]dit / [r]eject: ")
		if !scanner.Scan() {
			return protocol.Reject()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "a", "approve":
			return protocol.Approve()
		case "r", "reject":
			return protocol.Reject()
		case "e", "edit":
			fmt.Print("new arguments (JSON): ")
			if !scanner.Scan() {
				return protocol.Reject()
			}
			var args map[string]any
			if err := json.Unmarshal([]byte(scanner.Text()), &args); err != nil {
				fmt.Printf("invalid JSON: %v\n", err)
				continue
			}
			return protocol.Edit(args)
		}
	}
}
