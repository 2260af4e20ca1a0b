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

// Package agent assembles immutable agent values and runs the execution
// loop over them. An Agent bundles an id, a model handle, an assembled
// system prompt, tools, and an ordered middleware stack; it carries no
// mutable state and starts no processes. Conversation state lives with the
// owning server and is threaded through Execute and Resume.
package agent

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/middleware"
	"github.com/kadirpekel/hive/pkg/tool"
)

// ErrConfig marks invalid agent configuration, detected at construction.
var ErrConfig = errors.New("invalid agent configuration")

// Config are the construction attributes for an agent.
type Config struct {
	// ID is generated when empty: a url-safe random id prefixed "agent_".
	ID   string
	Name string

	// Model is required.
	Model llm.Handle

	// SystemPrompt is the base prompt; middleware contributions follow it.
	SystemPrompt string

	// Tools are user-provided tools, unioned with middleware tools.
	Tools []tool.Spec

	// Middleware are user middlewares. Unless ReplaceDefaultMiddleware is
	// set, the default stack is prepended.
	Middleware               []middleware.Entry
	ReplaceDefaultMiddleware bool

	// Option maps for the default stack's constructors.
	TodoOpts          map[string]any
	FilesystemOpts    map[string]any
	SubAgentOpts      map[string]any
	SummarizationOpts map[string]any

	// InterruptOn gates tools on human review; a non-empty map appends the
	// HITL middleware after everything else.
	InterruptOn map[string]any
}

// Agent is the immutable behaviour bundle. It is safe to share across
// goroutines; replacement, never mutation, is the update mechanism.
type Agent struct {
	ID           string
	Name         string
	Model        llm.Handle
	SystemPrompt string
	Tools        []tool.Spec
	Middleware   []middleware.Entry
}

// NewID generates a url-safe random agent id with 128 bits of entropy.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("agent: id entropy unavailable: %v", err))
	}
	return "agent_" + base64.RawURLEncoding.EncodeToString(b)
}

// New assembles an agent. Construction is pure: no goroutines, no I/O, and
// deterministic apart from id generation.
func New(cfg Config) (*Agent, error) {
	if cfg.Model.Client == nil {
		return nil, fmt.Errorf("%w: model is required", ErrConfig)
	}

	id := cfg.ID
	if id == "" {
		id = NewID()
	}

	stack, err := buildStack(cfg)
	if err != nil {
		return nil, err
	}

	tools, err := unionTools(middleware.CollectTools(stack), cfg.Tools)
	if err != nil {
		return nil, err
	}

	sections := make([]string, 0, 8)
	if cfg.SystemPrompt != "" {
		sections = append(sections, cfg.SystemPrompt)
	}
	sections = append(sections, middleware.SystemPrompts(stack)...)

	return &Agent{
		ID:           id,
		Name:         cfg.Name,
		Model:        cfg.Model,
		SystemPrompt: strings.Join(sections, "\n\n"),
		Tools:        tools,
		Middleware:   stack,
	}, nil
}

func buildStack(cfg Config) ([]middleware.Entry, error) {
	var stack []middleware.Entry

	if !cfg.ReplaceDefaultMiddleware {
		todos, err := middleware.NewTodoList(cfg.TodoOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		files, err := middleware.NewFileSystem(cfg.FilesystemOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		sub, err := middleware.NewSubAgent(nil, cfg.SubAgentOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		summarize, err := middleware.NewSummarization(cfg.Model, cfg.SummarizationOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		patch, err := middleware.NewPatchToolCalls(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		stack = append(stack,
			middleware.NewEntry(todos),
			middleware.NewEntry(files),
			middleware.NewEntry(sub),
			middleware.NewEntry(summarize),
			middleware.NewEntry(patch),
		)
	}

	stack = append(stack, cfg.Middleware...)

	if len(cfg.InterruptOn) > 0 {
		hitl, err := middleware.NewHumanInTheLoop(cfg.InterruptOn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		stack = append(stack, middleware.NewEntry(hitl))
	}

	seen := make(map[string]bool, len(stack))
	for _, e := range stack {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: middleware with empty id", ErrConfig)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: duplicate middleware id %q", ErrConfig, e.ID)
		}
		seen[e.ID] = true
	}
	return stack, nil
}

func unionTools(fromMiddleware, fromUser []tool.Spec) ([]tool.Spec, error) {
	out := make([]tool.Spec, 0, len(fromMiddleware)+len(fromUser))
	seen := make(map[string]bool)
	for _, specs := range [][]tool.Spec{fromMiddleware, fromUser} {
		for _, s := range specs {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("%w: duplicate tool %q", ErrConfig, s.Name)
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// HITL returns the stack's human-in-the-loop middleware, if any.
func (a *Agent) HITL() (*middleware.HumanInTheLoop, bool) {
	return middleware.Find[*middleware.HumanInTheLoop](a.Middleware)
}

// SubAgentMiddleware returns the stack's sub-agent middleware, if any.
func (a *Agent) SubAgentMiddleware() (*middleware.SubAgent, bool) {
	return middleware.Find[*middleware.SubAgent](a.Middleware)
}

// FindTool returns the named tool.
func (a *Agent) FindTool(name string) (tool.Spec, bool) {
	for _, s := range a.Tools {
		if s.Name == name {
			return s, true
		}
	}
	return tool.Spec{}, false
}
