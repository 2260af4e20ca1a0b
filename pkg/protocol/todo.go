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

import (
	"fmt"
	"unicode/utf8"
)

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// MaxTodoContentLen caps todo content length.
const MaxTodoContentLen = 1000

// Todo is a single task-list entry owned by an agent.
type Todo struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// Validate checks id, content bounds, and status.
func (t Todo) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("protocol: todo requires a stable id")
	}
	if n := utf8.RuneCountInString(t.Content); n == 0 || n > MaxTodoContentLen {
		return fmt.Errorf("protocol: todo content must be 1..%d characters, got %d", MaxTodoContentLen, n)
	}
	switch t.Status {
	case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		return nil
	default:
		return fmt.Errorf("protocol: unknown todo status %q", t.Status)
	}
}
