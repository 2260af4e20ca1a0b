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

package pubsub

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// EventType tags the payload carried by an Event.
type EventType string

// Per-agent topic events.
const (
	EventStatusChanged       EventType = "status_changed"
	EventLLMDeltas           EventType = "llm_deltas"
	EventLLMMessage          EventType = "llm_message"
	EventLLMTokenUsage       EventType = "llm_token_usage"
	EventToolResponse        EventType = "tool_response"
	EventTodosUpdated        EventType = "todos_updated"
	EventDisplayMessageSaved EventType = "display_message_saved"
	EventAgentShutdown       EventType = "agent_shutdown"
	EventStateRestored       EventType = "state_restored"
)

// Debug topic events.
const (
	EventAgentStateUpdate EventType = "agent_state_update"
	EventSubAgent         EventType = "subagent"
)

// Wrapped sub-agent event types, delivered on the parent's debug topic
// inside a SubAgentPayload.
const (
	EventSubAgentStarted       EventType = "subagent_started"
	EventSubAgentStatusChanged EventType = "subagent_status_changed"
	EventSubAgentLLMMessage    EventType = "subagent_llm_message"
	EventSubAgentCompleted     EventType = "subagent_completed"
	EventSubAgentError         EventType = "subagent_error"
)

// Event is one published occurrence on a topic.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a generated id and current timestamp.
func NewEvent(eventType EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// AgentTopic is the per-agent event topic.
func AgentTopic(agentID string) string {
	return fmt.Sprintf("agent_server:%s", agentID)
}

// DebugTopic is the per-agent debug topic carrying state snapshots and
// wrapped sub-agent events.
func DebugTopic(agentID string) string {
	return fmt.Sprintf("agent_server:debug:%s", agentID)
}

// StatusChangedPayload accompanies EventStatusChanged. Payload carries the
// status-specific extra: the error reason for "error", the interrupt data
// for "interrupted", nil otherwise.
type StatusChangedPayload struct {
	Status  string `json:"status"`
	Payload any    `json:"payload,omitempty"`
}

// ShutdownPayload accompanies EventAgentShutdown.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// StateUpdatePayload accompanies EventAgentStateUpdate on the debug topic.
// MiddlewareID is set when the snapshot was taken after one middleware's
// hook, empty for whole-turn snapshots.
type StateUpdatePayload struct {
	MiddlewareID string `json:"middleware_id,omitempty"`
	State        any    `json:"state"`
}

// SubAgentPayload wraps a sub-agent's event for the parent's debug topic.
type SubAgentPayload struct {
	SubAgentID string `json:"sub_agent_id"`
	Event      Event  `json:"event"`
}

// LLMDeltasPayload accompanies EventLLMDeltas.
type LLMDeltasPayload struct {
	Deltas []protocol.MessageDelta `json:"deltas"`
}

// TodosUpdatedPayload accompanies EventTodosUpdated.
type TodosUpdatedPayload struct {
	Todos []protocol.Todo `json:"todos"`
}
