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

// Package middleware composes agent behaviour from ordered hook-bearing
// values. A middleware contributes any subset of: system prompt sections,
// tools, a pre-model hook, a post-model hook, an async message handler, and
// a server-start hook. Absent capabilities behave as identity.
//
// Hook ordering: before-model hooks run in declaration order, after-model
// hooks in reverse declaration order, so the outermost declared middleware
// observes the innermost's result.
package middleware

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Middleware is the minimal contract; capabilities are optional interfaces.
type Middleware interface {
	ID() string
}

// SystemPrompter contributes sections to the assembled system prompt.
// Empty sections are dropped; the rest join with blank-line separators.
type SystemPrompter interface {
	SystemPrompt() []string
}

// ToolProvider contributes tools to the agent's tool set.
type ToolProvider interface {
	Tools() []tool.Spec
}

// BeforeModeler runs before each model round-trip.
type BeforeModeler interface {
	BeforeModel(ctx context.Context, env *Env, st state.State) (state.State, error)
}

// AfterModeler runs after each completed model round-trip. A non-nil
// InterruptData parks the turn; later after-model hooks do not run.
type AfterModeler interface {
	AfterModel(ctx context.Context, env *Env, st state.State) (state.State, *protocol.InterruptData, error)
}

// MessageHandler receives asynchronous payloads addressed to this
// middleware's id.
type MessageHandler interface {
	HandleMessage(ctx context.Context, env *Env, payload any, st state.State) (state.State, error)
}

// ServerStarter runs once when the owning agent server starts or restarts.
type ServerStarter interface {
	OnServerStart(ctx context.Context, env *Env, st state.State) (state.State, error)
}

// Env is the runtime environment hooks execute under. It mirrors the tool
// execution context: the same agent id, filesystem handle, and event fabric.
type Env struct {
	AgentID    string
	Files      tool.FileStore
	Events     *pubsub.Broadcaster
	Topic      string
	DebugTopic string
}

// Publish emits an event on the agent topic, if an event fabric is attached.
func (e *Env) Publish(event pubsub.Event) {
	if e != nil && e.Events != nil && e.Topic != "" {
		e.Events.Publish(e.Topic, event)
	}
}

// PublishDebug emits an event on the agent debug topic.
func (e *Env) PublishDebug(event pubsub.Event) {
	if e != nil && e.Events != nil && e.DebugTopic != "" {
		e.Events.Publish(e.DebugTopic, event)
	}
}

// ToolContext derives the execution context for this environment.
func (e *Env) ToolContext(st state.State) *tool.Context {
	return &tool.Context{
		AgentID:    e.AgentID,
		State:      st,
		Files:      e.Files,
		Events:     e.Events,
		Topic:      e.Topic,
		DebugTopic: e.DebugTopic,
	}
}

// Entry is one initialised middleware in an agent's stack.
type Entry struct {
	ID         string
	Middleware Middleware
}

// NewEntry wraps a middleware under its own id.
func NewEntry(m Middleware) Entry {
	return Entry{ID: m.ID(), Middleware: m}
}

// DecodeConfig decodes a loosely-typed options map into a typed config
// struct, honouring mapstructure tags.
func DecodeConfig(in map[string]any, out any) error {
	if in == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("middleware: build decoder: %w", err)
	}
	if err := decoder.Decode(in); err != nil {
		return fmt.Errorf("middleware: decode config: %w", err)
	}
	return nil
}

// SystemPrompts collects non-empty prompt sections in declaration order.
func SystemPrompts(entries []Entry) []string {
	var sections []string
	for _, e := range entries {
		sp, ok := e.Middleware.(SystemPrompter)
		if !ok {
			continue
		}
		for _, section := range sp.SystemPrompt() {
			if section != "" {
				sections = append(sections, section)
			}
		}
	}
	return sections
}

// CollectTools gathers middleware-provided tools in declaration order.
func CollectTools(entries []Entry) []tool.Spec {
	var specs []tool.Spec
	for _, e := range entries {
		if tp, ok := e.Middleware.(ToolProvider); ok {
			specs = append(specs, tp.Tools()...)
		}
	}
	return specs
}

// RunBefore threads state through every before-model hook in declaration
// order. The first error aborts; no later hook in the phase fires.
func RunBefore(ctx context.Context, entries []Entry, env *Env, st state.State) (state.State, error) {
	for _, e := range entries {
		bm, ok := e.Middleware.(BeforeModeler)
		if !ok {
			continue
		}
		next, err := bm.BeforeModel(ctx, env, st)
		if err != nil {
			return st, fmt.Errorf("middleware %s: before_model: %w", e.ID, err)
		}
		st = next
	}
	return st, nil
}

// RunAfter threads state through every after-model hook in reverse
// declaration order. An interrupt stops the phase and is returned; an error
// aborts.
func RunAfter(ctx context.Context, entries []Entry, env *Env, st state.State) (state.State, *protocol.InterruptData, error) {
	for i := len(entries) - 1; i >= 0; i-- {
		am, ok := entries[i].Middleware.(AfterModeler)
		if !ok {
			continue
		}
		next, interrupt, err := am.AfterModel(ctx, env, st)
		if err != nil {
			return st, nil, fmt.Errorf("middleware %s: after_model: %w", entries[i].ID, err)
		}
		st = next
		if interrupt != nil {
			return st, interrupt, nil
		}
	}
	return st, nil, nil
}

// RunServerStart threads state through every server-start hook in
// declaration order.
func RunServerStart(ctx context.Context, entries []Entry, env *Env, st state.State) (state.State, error) {
	for _, e := range entries {
		ss, ok := e.Middleware.(ServerStarter)
		if !ok {
			continue
		}
		next, err := ss.OnServerStart(ctx, env, st)
		if err != nil {
			return st, fmt.Errorf("middleware %s: on_server_start: %w", e.ID, err)
		}
		st = next
	}
	return st, nil
}

// Dispatch routes an async payload to the middleware with the given id.
func Dispatch(ctx context.Context, entries []Entry, env *Env, middlewareID string, payload any, st state.State) (state.State, error) {
	for _, e := range entries {
		if e.ID != middlewareID {
			continue
		}
		mh, ok := e.Middleware.(MessageHandler)
		if !ok {
			return st, fmt.Errorf("middleware %s does not handle messages", middlewareID)
		}
		next, err := mh.HandleMessage(ctx, env, payload, st)
		if err != nil {
			return st, fmt.Errorf("middleware %s: handle_message: %w", middlewareID, err)
		}
		return next, nil
	}
	return st, fmt.Errorf("unknown middleware: %s", middlewareID)
}

// Find returns the first middleware in the stack assignable to T.
func Find[T Middleware](entries []Entry) (T, bool) {
	for _, e := range entries {
		if m, ok := e.Middleware.(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}
