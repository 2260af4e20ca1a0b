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

// MessageDelta is one streamed fragment of an assistant message. Providers
// translate their streaming wire formats into deltas; the chain accumulates
// them into a complete Message.
type MessageDelta struct {
	// Index is the message position the provider is streaming into.
	Index int `json:"index"`

	Role Role `json:"role,omitempty"`

	// Parts are content fragments, merged per the ContentPart index rule.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls are tool-call fragments: the first fragment for an index
	// carries id and name, subsequent fragments append RawArgs.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Status, when set, finalizes the message.
	Status MessageStatus `json:"status,omitempty"`

	Usage *TokenUsage `json:"usage,omitempty"`
}

// ApplyDelta folds a delta into an accumulating message and returns the
// updated message.
func ApplyDelta(msg Message, delta MessageDelta) Message {
	if delta.Role != "" {
		msg.Role = delta.Role
	}
	if len(delta.Parts) > 0 {
		msg.Parts = MergeParts(msg.Parts, delta.Parts)
	}
	for _, tcd := range delta.ToolCalls {
		merged := false
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].Index == tcd.Index {
				if tcd.ID != "" {
					msg.ToolCalls[i].ID = tcd.ID
				}
				if tcd.Name != "" {
					msg.ToolCalls[i].Name = tcd.Name
				}
				if tcd.RawArgs != "" {
					msg.ToolCalls[i] = msg.ToolCalls[i].AppendRaw(tcd.RawArgs)
				}
				merged = true
				break
			}
		}
		if !merged {
			tc := tcd
			if tc.Status == "" {
				tc.Status = ToolCallStreaming
			}
			if tc.RawArgs != "" {
				tc = ToolCall{ID: tcd.ID, Name: tcd.Name, Index: tcd.Index}.AppendRaw(tcd.RawArgs)
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}
	if delta.Status != "" {
		msg.Status = delta.Status
	}
	if delta.Usage != nil {
		msg = msg.WithUsage(*delta.Usage)
	}
	return msg
}
