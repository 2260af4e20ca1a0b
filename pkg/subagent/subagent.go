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

// Package subagent runs delegated subtasks in child agents. A child shares
// the parent's filesystem and event fabric but owns a fresh conversation;
// it inherits the parent's files index and metadata and hands back only its
// final output plus the changes to those two. Child events reach observers
// wrapped on the parent's debug topic, never on the parent's main topic.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/middleware"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Status of one child run.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// Config shapes the children an engine spawns. The child stack mirrors the
// parent's defaults minus delegation itself; sub-agents never nest.
type Config struct {
	ParentID     string
	Model        llm.Handle
	SystemPrompt string

	// Tools are extra tools children receive beyond their middleware tools.
	Tools []tool.Spec

	// InterruptOn carries the parent's review gates into children. A gated
	// call inside a child parks the whole delegation.
	InterruptOn map[string]any

	// Options for the child middleware constructors.
	TodoOpts          map[string]any
	FilesystemOpts    map[string]any
	SummarizationOpts map[string]any

	Logger *slog.Logger
}

// Engine spawns and drives child agents. It implements
// middleware.Delegator and agent.ChildResumer.
type Engine struct {
	config Config
	env    *middleware.Env
	logger *slog.Logger

	mu      sync.Mutex
	counter int
	parked  map[string]*child
}

type child struct {
	agent  *agent.Agent
	state  state.State
	status string
}

var (
	_ middleware.Delegator = (*Engine)(nil)
	_ agent.ChildResumer   = (*Engine)(nil)
)

// NewEngine builds an engine over the parent's runtime environment.
func NewEngine(cfg Config, env *middleware.Env) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config: cfg,
		env:    env,
		logger: logger,
		parked: make(map[string]*child),
	}
}

// nextID allocates "<parent>-sub-<n>" with a per-engine counter.
func (e *Engine) nextID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	return fmt.Sprintf("%s-sub-%d", e.config.ParentID, e.counter)
}

// Delegate runs a subtask to completion or to a parked interrupt.
func (e *Engine) Delegate(ctx context.Context, instructions string, parent state.State) (middleware.Delegation, error) {
	id := e.nextID()

	childAgent, err := e.buildChild(id)
	if err != nil {
		return middleware.Delegation{}, fmt.Errorf("subagent %s: %w", id, err)
	}

	st := inheritState(id, parent).AddMessage(protocol.NewUserMessage(instructions))

	e.publishWrapped(id, pubsub.NewEvent(pubsub.EventSubAgentStarted, pubsub.StatusChangedPayload{Status: StatusRunning}))
	e.logger.Info("subagent started", "sub_agent_id", id, "parent_id", e.config.ParentID)

	return e.drive(ctx, id, childAgent, func(env *middleware.Env, cb llm.Callbacks) (agent.Outcome, error) {
		return childAgent.Execute(ctx, env, st, cb)
	})
}

// ResumeChild feeds reviewer decisions to a parked child and continues it.
func (e *Engine) ResumeChild(ctx context.Context, subAgentID string, decisions []protocol.Decision, parent state.State) (middleware.Delegation, error) {
	e.mu.Lock()
	c, ok := e.parked[subAgentID]
	if ok {
		delete(e.parked, subAgentID)
	}
	e.mu.Unlock()
	if !ok {
		return middleware.Delegation{}, fmt.Errorf("subagent: no parked child %s", subAgentID)
	}

	return e.drive(ctx, subAgentID, c.agent, func(env *middleware.Env, cb llm.Callbacks) (agent.Outcome, error) {
		return c.agent.Resume(ctx, env, c.state, decisions, cb)
	})
}

// drive runs one child leg and folds the outcome into delegation semantics:
// completion hands back output and a fragment, an interrupt parks the child
// and surfaces wrapped for the parent to park on too.
func (e *Engine) drive(ctx context.Context, id string, childAgent *agent.Agent, leg func(*middleware.Env, llm.Callbacks) (agent.Outcome, error)) (middleware.Delegation, error) {
	env := e.childEnv(id)
	cb := llm.Callbacks{
		OnMessage: func(msg protocol.Message) {
			e.publishWrapped(id, pubsub.NewEvent(pubsub.EventSubAgentLLMMessage, msg))
		},
	}

	out, err := leg(env, cb)
	if err != nil {
		e.publishWrapped(id, pubsub.NewEvent(pubsub.EventSubAgentError, pubsub.StatusChangedPayload{Status: StatusError, Payload: err.Error()}))
		e.logger.Error("subagent failed", "sub_agent_id", id, "error", err)
		return middleware.Delegation{}, fmt.Errorf("subagent %s: %w", id, err)
	}

	if out.Interrupted() {
		e.mu.Lock()
		e.parked[id] = &child{agent: childAgent, state: out.State, status: StatusInterrupted}
		e.mu.Unlock()

		wrapped := *out.Interrupt
		wrapped.Type = protocol.InterruptTypeSubAgentHITL
		wrapped.SubAgentID = id

		e.publishWrapped(id, pubsub.NewEvent(pubsub.EventSubAgentStatusChanged, pubsub.StatusChangedPayload{Status: StatusInterrupted, Payload: &wrapped}))
		return middleware.Delegation{}, &tool.InterruptError{Data: wrapped}
	}

	output := finalOutput(out.State.Messages)
	e.publishWrapped(id, pubsub.NewEvent(pubsub.EventSubAgentCompleted, pubsub.StatusChangedPayload{Status: StatusCompleted}))
	e.logger.Info("subagent completed", "sub_agent_id", id)

	return middleware.Delegation{
		SubAgentID: id,
		Output:     output,
		Fragment: state.State{
			FilesIndex: out.State.FilesIndex,
			Metadata:   out.State.Metadata,
		},
	}, nil
}

// DiscardParked drops every parked child. Used when the owning subtree
// restarts; a parked child cannot outlive its parent's conversation.
func (e *Engine) DiscardParked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parked = make(map[string]*child)
}

// Parked returns the ids of children awaiting decisions.
func (e *Engine) Parked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.parked))
	for id := range e.parked {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) buildChild(id string) (*agent.Agent, error) {
	todos, err := middleware.NewTodoList(e.config.TodoOpts)
	if err != nil {
		return nil, err
	}
	files, err := middleware.NewFileSystem(e.config.FilesystemOpts)
	if err != nil {
		return nil, err
	}
	summarize, err := middleware.NewSummarization(e.config.Model, e.config.SummarizationOpts)
	if err != nil {
		return nil, err
	}
	patch, err := middleware.NewPatchToolCalls(nil)
	if err != nil {
		return nil, err
	}

	return agent.New(agent.Config{
		ID:           id,
		Name:         id,
		Model:        e.config.Model,
		SystemPrompt: e.config.SystemPrompt,
		Tools:        e.config.Tools,
		Middleware: []middleware.Entry{
			middleware.NewEntry(todos),
			middleware.NewEntry(files),
			middleware.NewEntry(summarize),
			middleware.NewEntry(patch),
		},
		ReplaceDefaultMiddleware: true,
		InterruptOn:              e.config.InterruptOn,
	})
}

// childEnv shares the parent's filesystem but publishes nothing directly;
// child activity reaches observers wrapped on the parent debug topic.
func (e *Engine) childEnv(id string) *middleware.Env {
	env := &middleware.Env{AgentID: id}
	if e.env != nil {
		env.Files = e.env.Files
	}
	return env
}

func (e *Engine) publishWrapped(id string, event pubsub.Event) {
	if e.env == nil {
		return
	}
	e.env.PublishDebug(pubsub.NewEvent(pubsub.EventSubAgent, pubsub.SubAgentPayload{
		SubAgentID: id,
		Event:      event,
	}))
}

// inheritState seeds a child state with the parent's files index and
// metadata. Messages, todos, and middleware state never cross over.
func inheritState(id string, parent state.State) state.State {
	st := state.New(id)
	for _, meta := range parent.FilesIndex {
		st = st.PutFileMeta(meta)
	}
	for k, v := range parent.Metadata {
		st = st.PutMetadata(k, v)
	}
	return st
}

func finalOutput(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleAssistant {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
