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

// Package state holds the per-agent conversation state as an immutable
// snapshot value: messages, todos, file metadata, free-form metadata, and
// per-middleware scratch state.
//
// All mutating operations return a new State; the current snapshot is owned
// and replaced only by the agent server process. Tool executions produce
// fragment states that are folded in with Merge.
package state

import (
	"time"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// FileMeta is the files-index entry for one virtual-filesystem path. The
// authoritative content lives in the VFS process; the state only tracks
// metadata so serialized conversations stay small.
type FileMeta struct {
	Path          string    `json:"path"`
	Persistent    bool      `json:"persistent,omitempty"`
	BaseDirectory string    `json:"base_directory,omitempty"`
	MimeType      string    `json:"mime_type,omitempty"`
	Size          int       `json:"size,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	ModifiedAt    time.Time `json:"modified_at,omitempty"`
}

// State is the conversation snapshot for one agent.
//
// AgentID is a runtime identifier only: it is never serialized and is
// supplied separately on restore.
type State struct {
	AgentID string

	Messages        []protocol.Message
	Todos           []protocol.Todo
	FilesIndex      map[string]FileMeta
	Metadata        map[string]any
	MiddlewareState map[string]any

	// Interrupt is present iff the owning server is parked at an interrupt.
	Interrupt *protocol.InterruptData
}

// New returns an empty state bound to the given agent id.
func New(agentID string) State {
	return State{AgentID: agentID}
}

// clone returns a shallow structural copy safe for independent mutation of
// top-level slices and maps.
func (s State) clone() State {
	out := s
	out.Messages = append([]protocol.Message(nil), s.Messages...)
	out.Todos = append([]protocol.Todo(nil), s.Todos...)
	out.FilesIndex = copyMap(s.FilesIndex)
	out.Metadata = copyMap(s.Metadata)
	out.MiddlewareState = copyMap(s.MiddlewareState)
	return out
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AddMessage appends one message.
func (s State) AddMessage(msg protocol.Message) State {
	out := s.clone()
	out.Messages = append(out.Messages, msg)
	return out
}

// AddMessages appends a batch of messages in order.
func (s State) AddMessages(msgs []protocol.Message) State {
	out := s.clone()
	out.Messages = append(out.Messages, msgs...)
	return out
}

// SetMessages replaces the whole message list.
func (s State) SetMessages(msgs []protocol.Message) State {
	out := s.clone()
	out.Messages = append([]protocol.Message(nil), msgs...)
	return out
}

// SetTodos replaces the whole todo list. Whole-list replacement is the
// normal update path for todos.
func (s State) SetTodos(todos []protocol.Todo) State {
	out := s.clone()
	out.Todos = append([]protocol.Todo(nil), todos...)
	return out
}

// PutTodo adds the todo, or replaces the existing todo with the same id.
func (s State) PutTodo(todo protocol.Todo) State {
	out := s.clone()
	for i := range out.Todos {
		if out.Todos[i].ID == todo.ID {
			out.Todos[i] = todo
			return out
		}
	}
	out.Todos = append(out.Todos, todo)
	return out
}

// DeleteTodo removes the todo with the given id, if present.
func (s State) DeleteTodo(id string) State {
	out := s.clone()
	todos := out.Todos[:0]
	for _, t := range out.Todos {
		if t.ID != id {
			todos = append(todos, t)
		}
	}
	out.Todos = todos
	return out
}

// TodosByStatus returns the todos currently in the given status, in order.
func (s State) TodosByStatus(status protocol.TodoStatus) []protocol.Todo {
	var out []protocol.Todo
	for _, t := range s.Todos {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// PutMetadata sets a metadata key.
func (s State) PutMetadata(key string, value any) State {
	out := s.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[key] = value
	return out
}

// GetMetadata returns a metadata value.
func (s State) GetMetadata(key string) (any, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}

// DeleteMetadata removes a metadata key.
func (s State) DeleteMetadata(key string) State {
	out := s.clone()
	delete(out.Metadata, key)
	return out
}

// PutFileMeta upserts a files-index entry.
func (s State) PutFileMeta(meta FileMeta) State {
	out := s.clone()
	if out.FilesIndex == nil {
		out.FilesIndex = make(map[string]FileMeta, 1)
	}
	out.FilesIndex[meta.Path] = meta
	return out
}

// DeleteFileMeta removes a files-index entry.
func (s State) DeleteFileMeta(path string) State {
	out := s.clone()
	delete(out.FilesIndex, path)
	return out
}

// PutMiddlewareState replaces the scratch state for one middleware id.
func (s State) PutMiddlewareState(middlewareID string, value any) State {
	out := s.clone()
	if out.MiddlewareState == nil {
		out.MiddlewareState = make(map[string]any, 1)
	}
	out.MiddlewareState[middlewareID] = value
	return out
}

// WithInterrupt attaches parked-interrupt data.
func (s State) WithInterrupt(data *protocol.InterruptData) State {
	out := s.clone()
	out.Interrupt = data
	return out
}

// ClearInterrupt removes parked-interrupt data.
func (s State) ClearInterrupt() State {
	out := s.clone()
	out.Interrupt = nil
	return out
}

// Reset clears messages, todos, middleware state, and any parked interrupt.
// Metadata and the files index survive a reset.
func (s State) Reset() State {
	out := s.clone()
	out.Messages = nil
	out.Todos = nil
	out.MiddlewareState = nil
	out.Interrupt = nil
	return out
}

// Merge folds a fragment state (typically produced by a tool execution)
// into this one:
//   - messages concatenate
//   - todos: the fragment's list wins when non-empty
//   - files index: fragment wins per key
//   - metadata: deep merge, fragment wins on scalar conflict
//   - middleware state: shallow merge per middleware id
//   - interrupt: fragment wins when set
func (s State) Merge(frag State) State {
	out := s.clone()
	out.Messages = append(out.Messages, frag.Messages...)
	if len(frag.Todos) > 0 {
		out.Todos = append([]protocol.Todo(nil), frag.Todos...)
	}
	if len(frag.FilesIndex) > 0 {
		if out.FilesIndex == nil {
			out.FilesIndex = make(map[string]FileMeta, len(frag.FilesIndex))
		}
		for k, v := range frag.FilesIndex {
			out.FilesIndex[k] = v
		}
	}
	if len(frag.Metadata) > 0 {
		out.Metadata = deepMerge(out.Metadata, frag.Metadata)
	}
	if len(frag.MiddlewareState) > 0 {
		if out.MiddlewareState == nil {
			out.MiddlewareState = make(map[string]any, len(frag.MiddlewareState))
		}
		for k, v := range frag.MiddlewareState {
			out.MiddlewareState[k] = v
		}
	}
	if frag.Interrupt != nil {
		out.Interrupt = frag.Interrupt
	}
	return out
}

// deepMerge merges b into a recursively: nested string-keyed maps merge,
// everything else is replaced by b's value.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		if am, ok := out[k].(map[string]any); ok {
			if bm, ok := bv.(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = bv
	}
	return out
}
