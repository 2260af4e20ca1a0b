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

package middleware

import (
	"context"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
)

const PatchToolCallsID = "patchtoolcalls"

// DanglingToolCallContent is the synthetic result injected for a tool call
// that never received a result, typically because the turn was cancelled.
const DanglingToolCallContent = "Tool execution did not complete (turn was interrupted or cancelled)"

// PatchToolCalls repairs message histories before they reach the model.
// Providers reject an assistant message with tool calls that is not followed
// by a result for every call; after a cancel those results may be missing.
type PatchToolCalls struct{}

func NewPatchToolCalls(opts map[string]any) (*PatchToolCalls, error) {
	return &PatchToolCalls{}, nil
}

func (p *PatchToolCalls) ID() string { return PatchToolCallsID }

func (p *PatchToolCalls) BeforeModel(ctx context.Context, env *Env, st state.State) (state.State, error) {
	patched, changed := patchMessages(st.Messages)
	if !changed {
		return st, nil
	}
	return st.SetMessages(patched), nil
}

func patchMessages(messages []protocol.Message) ([]protocol.Message, bool) {
	var (
		out     []protocol.Message
		changed bool
	)
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		out = append(out, msg)
		if msg.Role != protocol.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		var next *protocol.Message
		if i+1 < len(messages) && messages[i+1].Role == protocol.RoleTool {
			next = &messages[i+1]
		}

		answered := make(map[string]bool)
		if next != nil {
			for _, res := range next.ToolResults {
				answered[res.ToolCallID] = true
			}
		}

		var missing []protocol.ToolResult
		for _, call := range msg.ToolCalls {
			if !answered[call.ID] {
				missing = append(missing, protocol.NewToolError(call.ID, DanglingToolCallContent))
			}
		}
		if len(missing) == 0 {
			continue
		}
		changed = true

		if next != nil {
			// Fold the synthetic results into the existing partial result
			// message.
			merged := *next
			merged.ToolResults = append(append([]protocol.ToolResult(nil), next.ToolResults...), missing...)
			out = append(out, merged)
			i++
			continue
		}
		out = append(out, protocol.NewToolMessage(missing...))
	}

	if !changed {
		return messages, false
	}
	return out, true
}
