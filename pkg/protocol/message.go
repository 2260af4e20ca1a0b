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

// Package protocol defines the wire-level conversation values exchanged
// between the engine, model providers, and tools: messages, content parts,
// tool calls and results, todos, streaming deltas, and the human-in-the-loop
// interrupt/decision values.
//
// All variants are tagged structs serialized with JSON discriminator fields
// (`role`, `type`, `kind`) so they survive round-trips through any JSON/JSONB
// store without schema knowledge.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageStatus marks how a message terminated.
type MessageStatus string

const (
	// StatusComplete is a normally finished message.
	StatusComplete MessageStatus = "complete"

	// StatusCancelled marks a message cut off by cancellation. Content may be
	// partial.
	StatusCancelled MessageStatus = "cancelled"

	// StatusLength marks a message truncated by the provider's token cap.
	StatusLength MessageStatus = "length"
)

// Message is one entry in a conversation. Content is either the plain
// Content string or the ordered Parts list; providers that stream multimodal
// output populate Parts, simple text responses populate Content.
type Message struct {
	Role Role `json:"role"`

	// Content is the plain-text body. Empty when Parts is used.
	Content string `json:"content,omitempty"`

	// Parts is the ordered multimodal body. Empty when Content is used.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls are the tool invocations requested by the model.
	// Only assistant messages may carry tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults carry tool outputs. Only tool-role messages carry results,
	// and a tool message always carries at least one.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Status MessageStatus `json:"status,omitempty"`

	// Index is the position the provider assigned during streaming. Nil for
	// messages built locally.
	Index *int `json:"index,omitempty"`

	// Metadata carries auxiliary data such as token usage (under "usage").
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewSystemMessage builds a complete system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text, Status: StatusComplete}
}

// NewUserMessage builds a complete user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Status: StatusComplete}
}

// NewAssistantMessage builds a complete assistant message.
func NewAssistantMessage(text string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls, Status: StatusComplete}
}

// NewToolMessage builds a tool-role message carrying the given results.
func NewToolMessage(results ...ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results, Status: StatusComplete}
}

// Text returns the textual body of the message: Content when set, otherwise
// the concatenation of all text parts.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Content)
		}
	}
	return sb.String()
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ErrInvalidMessage is wrapped by all Message.Validate failures.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Validate enforces the structural invariants:
//   - system/user messages must have non-empty content
//   - tool messages must carry at least one result
//   - only assistant messages may carry tool calls
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if m.Text() == "" {
			return fmt.Errorf("%w: %s message requires non-empty content", ErrInvalidMessage, m.Role)
		}
	case RoleAssistant:
		// Assistant messages may be empty when they only carry tool calls.
	case RoleTool:
		if len(m.ToolResults) == 0 {
			return fmt.Errorf("%w: tool message requires at least one tool result", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("%w: only assistant messages may carry tool calls", ErrInvalidMessage)
	}
	if len(m.ToolResults) > 0 && m.Role != RoleTool {
		return fmt.Errorf("%w: only tool messages may carry tool results", ErrInvalidMessage)
	}
	return nil
}

// TokenUsage records prompt/completion token counts reported by a provider.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage report.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// UsageMetadataKey is the Metadata key under which token usage is stored.
const UsageMetadataKey = "usage"

// WithUsage returns a copy of the message with token usage recorded in its
// metadata.
func (m Message) WithUsage(u TokenUsage) Message {
	meta := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[UsageMetadataKey] = u
	m.Metadata = meta
	return m
}
