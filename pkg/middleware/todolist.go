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
	"fmt"
	"strings"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

const TodoListID = "todolist"

const todoListPrompt = `## Task tracking

You have a todo list for tracking multi-step work. Use todo_write to plan
complex tasks (3+ steps) before starting, mark items in_progress while you
work on them, and completed as soon as they are done. Use todo_read to
review the current list. Keep at most one item in_progress at a time.`

// TodoList gives the agent a structured task list: todo_read/todo_write
// tools, a prompt section explaining them, and a todos broadcast on server
// start so freshly attached subscribers see the current list.
type TodoList struct{}

// NewTodoList builds the middleware. Options are accepted for config-map
// symmetry with the other middlewares; none are currently recognized.
func NewTodoList(opts map[string]any) (*TodoList, error) {
	return &TodoList{}, nil
}

func (t *TodoList) ID() string { return TodoListID }

func (t *TodoList) SystemPrompt() []string { return []string{todoListPrompt} }

func (t *TodoList) OnServerStart(ctx context.Context, env *Env, st state.State) (state.State, error) {
	env.Publish(pubsub.NewEvent(pubsub.EventTodosUpdated, pubsub.TodosUpdatedPayload{
		Todos: st.Todos,
	}))
	return st, nil
}

func (t *TodoList) Tools() []tool.Spec {
	return []tool.Spec{
		{
			Name:        "todo_read",
			Description: "Read the current todo list.",
			Handler:     t.readTodos,
		},
		{
			Name:        "todo_write",
			Description: "Create and manage a structured task list for tracking progress. Use for complex multi-step tasks (3+ steps).",
			Parameters: []tool.FunctionParam{
				{
					Name:        "merge",
					Type:        tool.TypeBoolean,
					Description: "If true, merge with existing todos by id (for updates). If false, replace the whole list (for a new task).",
					Required:    true,
				},
				{
					Name:        "todos",
					Type:        tool.TypeArray,
					Description: "Todo items. Each has id (string), content (string), status (pending|in_progress|completed|cancelled).",
					Required:    true,
					ItemType:    tool.TypeObject,
					ObjectProperties: []tool.FunctionParam{
						{Name: "id", Type: tool.TypeString, Description: "Stable identifier for the todo", Required: true},
						{Name: "content", Type: tool.TypeString, Description: "Description of the task", Required: true},
						{Name: "status", Type: tool.TypeString, Description: "Current status", Required: true,
							Enum: []string{"pending", "in_progress", "completed", "cancelled"}},
					},
				},
			},
			Handler: t.writeTodos,
		},
	}
}

func (t *TodoList) readTodos(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	return protocol.NewToolResult("", renderTodos(tc.State.Todos)), nil
}

func (t *TodoList) writeTodos(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	merge, _ := args["merge"].(bool)

	raw, ok := args["todos"].([]any)
	if !ok || len(raw) == 0 {
		return protocol.ToolResult{}, fmt.Errorf("todos must be a non-empty array")
	}

	incoming := make([]protocol.Todo, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return protocol.ToolResult{}, fmt.Errorf("todo item %d is not an object", i)
		}
		id, _ := m["id"].(string)
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)

		todo := protocol.Todo{ID: id, Content: content, Status: protocol.TodoStatus(status)}
		if err := todo.Validate(); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("todo item %d: %w", i, err)
		}
		incoming = append(incoming, todo)
	}

	next := incoming
	if merge {
		next = mergeTodos(tc.State.Todos, incoming)
	}

	tc.Publish(pubsub.NewEvent(pubsub.EventTodosUpdated, pubsub.TodosUpdatedPayload{Todos: next}))

	res := protocol.NewToolResult("", fmt.Sprintf("Todo list updated: %d items.\n%s", len(next), renderTodos(next)))
	res.ProcessedContent = state.State{Todos: next}
	return res, nil
}

func mergeTodos(existing, incoming []protocol.Todo) []protocol.Todo {
	out := append([]protocol.Todo(nil), existing...)
	for _, todo := range incoming {
		replaced := false
		for i := range out {
			if out[i].ID == todo.ID {
				out[i] = todo
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, todo)
		}
	}
	return out
}

func renderTodos(todos []protocol.Todo) string {
	if len(todos) == 0 {
		return "The todo list is empty."
	}
	var b strings.Builder
	for _, todo := range todos {
		mark := " "
		switch todo.Status {
		case protocol.TodoCompleted:
			mark = "x"
		case protocol.TodoInProgress:
			mark = ">"
		case protocol.TodoCancelled:
			mark = "-"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", mark, todo.Content, todo.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}
