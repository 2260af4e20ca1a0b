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

package protocol

import "encoding/json"

// ToolCallStatus tracks the lifecycle of a streamed tool call.
type ToolCallStatus string

const (
	// ToolCallStreaming means argument fragments are still arriving and
	// RawArgs does not yet parse as JSON.
	ToolCallStreaming ToolCallStatus = "streaming"

	// ToolCallComplete means the arguments parsed successfully.
	ToolCallComplete ToolCallStatus = "complete"
)

// ToolCall is a tool invocation requested by the model.
//
// Arguments may arrive as a streamed JSON string accumulated in RawArgs; the
// call is complete only once that buffer parses. Args holds the parsed form.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"arguments,omitempty"`
	RawArgs string         `json:"raw_arguments,omitempty"`
	Index   int            `json:"index"`
	Status  ToolCallStatus `json:"status,omitempty"`
}

// NewToolCall builds a complete tool call with parsed arguments.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Name: name, Args: args, Status: ToolCallComplete}
}

// AppendRaw appends a streamed argument fragment and re-attempts parsing.
// Returns the updated call.
func (tc ToolCall) AppendRaw(fragment string) ToolCall {
	tc.RawArgs += fragment
	if tc.tryParse() {
		tc.Status = ToolCallComplete
	} else {
		tc.Status = ToolCallStreaming
	}
	return tc
}

// ArgumentsComplete reports whether the call's arguments are usable: either
// parsed already, or the raw buffer parses now.
func (tc *ToolCall) ArgumentsComplete() bool {
	if tc.Status == ToolCallComplete {
		return true
	}
	return tc.tryParse()
}

func (tc *ToolCall) tryParse() bool {
	if tc.Args != nil && tc.RawArgs == "" {
		return true
	}
	if tc.RawArgs == "" {
		// No arguments at all; treat as an empty-argument call.
		tc.Args = map[string]any{}
		return true
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(tc.RawArgs), &parsed); err != nil {
		return false
	}
	tc.Args = parsed
	return true
}

// ToolResult is the structured reply to a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`

	// Content is the textual output fed back to the model. Parts is used
	// instead when the tool produced multimodal output.
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	IsError bool `json:"is_error,omitempty"`

	// ProcessedContent is an opaque value for local consumption; it is never
	// serialized and never reaches the model. Tools use it to hand state
	// fragments back to the engine.
	ProcessedContent any `json:"-"`

	// DisplayText is an optional short rendering for UIs.
	DisplayText string `json:"display_text,omitempty"`

	Options map[string]any `json:"options,omitempty"`
}

// NewToolResult builds a successful text result.
func NewToolResult(callID, content string) ToolResult {
	return ToolResult{ToolCallID: callID, Content: content}
}

// NewToolError builds an error result. The model observes the error text and
// may retry; an error result never aborts the turn.
func NewToolError(callID, content string) ToolResult {
	return ToolResult{ToolCallID: callID, Content: content, IsError: true}
}
