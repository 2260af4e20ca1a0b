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

// Package tool defines the tool specification agents expose to the LLM and
// the execution context handlers run under.
//
// A tool is a Spec value: name, description, parameter schema (either a
// FunctionParam list or a raw JSON Schema), and a handler. Handlers return a
// protocol.ToolResult; a handler that wants to mutate conversation state
// returns a state fragment in ProcessedContent, which the execution loop
// merges back into the owning agent's state.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
)

// FileStore is the slice of the virtual filesystem visible to tool handlers.
// Implemented by vfs.FS.
type FileStore interface {
	WriteFile(ctx context.Context, path string, content []byte, opts ...WriteOption) (state.FileMeta, error)
	ReadFile(ctx context.Context, path string) ([]byte, state.FileMeta, error)
	DeleteFile(ctx context.Context, path string) error
	ListFiles(ctx context.Context) ([]state.FileMeta, error)
}

// WriteOption tunes a FileStore write.
type WriteOption func(*WriteOptions)

// WriteOptions is the resolved option set for one write.
type WriteOptions struct {
	// Persistent marks the file for write-through persistence.
	Persistent bool

	// MimeType overrides mime detection for the entry.
	MimeType string
}

// WithPersistent marks the written file persistent.
func WithPersistent() WriteOption {
	return func(o *WriteOptions) { o.Persistent = true }
}

// WithMimeType sets the entry's mime type.
func WithMimeType(mimeType string) WriteOption {
	return func(o *WriteOptions) { o.MimeType = mimeType }
}

// Context is the per-invocation execution context handed to tool handlers.
// It carries a read-only snapshot of the conversation state taken when the
// turn's tool batch started.
type Context struct {
	AgentID    string
	ToolCallID string
	State      state.State
	Files      FileStore
	Events     *pubsub.Broadcaster
	Topic      string
	DebugTopic string
}

// Publish emits an event on the agent topic, if an event fabric is attached.
func (c *Context) Publish(event pubsub.Event) {
	if c.Events != nil && c.Topic != "" {
		c.Events.Publish(c.Topic, event)
	}
}

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, tc *Context, args map[string]any) (protocol.ToolResult, error)

// Spec describes one tool. Parameters and RawSchema are alternatives:
// RawSchema wins when both are set.
type Spec struct {
	Name        string
	Description string
	Parameters  []FunctionParam
	RawSchema   map[string]any
	Handler     HandlerFunc
	Async       bool
	Options     map[string]any
}

// Validate checks structural requirements.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool: name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("tool %q: description is required", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", s.Name)
	}
	for _, p := range s.Parameters {
		if err := p.validate(); err != nil {
			return fmt.Errorf("tool %q: %w", s.Name, err)
		}
	}
	return nil
}

// ParametersSchema returns the JSON Schema object sent to the LLM.
func (s Spec) ParametersSchema() map[string]any {
	if s.RawSchema != nil {
		return s.RawSchema
	}
	return ToParametersSchema(s.Parameters)
}

// Definition is the provider-facing function-calling declaration.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Definition renders the spec for an LLM request.
func (s Spec) Definition() Definition {
	return Definition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.ParametersSchema(),
	}
}

// Execute runs the handler for one call. Handler errors become error
// results carrying the error text, so a failed tool never aborts the turn.
// The one exception is an InterruptError, which is returned as-is for the
// execution loop to park on.
func (s Spec) Execute(ctx context.Context, tc *Context, call protocol.ToolCall) (protocol.ToolResult, error) {
	tc.ToolCallID = call.ID

	res, err := s.Handler(ctx, tc, call.Args)
	if err != nil {
		var interrupt *InterruptError
		if errors.As(err, &interrupt) {
			return protocol.ToolResult{}, err
		}
		return protocol.NewToolError(call.ID, err.Error()), nil
	}
	res.ToolCallID = call.ID
	return res, nil
}
