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

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

const SubAgentID = "subagent"

const subAgentPrompt = `## Delegation

Use the delegate tool to hand a self-contained subtask to a fresh agent.
The delegate shares your files and metadata but not your conversation, so
include everything it needs in the instructions. Delegate work that would
take many steps whose intermediate output you do not need; only the final
result comes back.`

// Delegation is the outcome of a completed sub-agent run.
type Delegation struct {
	// SubAgentID is the child's process id.
	SubAgentID string

	// Output is the text of the child's final assistant message.
	Output string

	// Fragment carries the child's filesystem and metadata changes back to
	// the parent; messages and todos are deliberately absent.
	Fragment state.State
}

// Delegator spawns and drives sub-agents. Implemented by the subagent
// engine; a child interrupt surfaces as a *tool.InterruptError whose data
// is wrapped with the sub-agent id.
type Delegator interface {
	Delegate(ctx context.Context, instructions string, parent state.State) (Delegation, error)
}

// SubAgent exposes delegation as a tool.
type SubAgent struct {
	delegator Delegator
}

// NewSubAgent builds the middleware around a delegator.
func NewSubAgent(delegator Delegator, opts map[string]any) (*SubAgent, error) {
	return &SubAgent{delegator: delegator}, nil
}

func (s *SubAgent) ID() string { return SubAgentID }

// SetDelegator wires the sub-agent engine in. Agent construction is pure;
// the engine exists only once the server assembles the runtime, so it is
// attached afterwards.
func (s *SubAgent) SetDelegator(d Delegator) { s.delegator = d }

// Delegator returns the wired engine, nil before SetDelegator.
func (s *SubAgent) Delegator() Delegator { return s.delegator }

func (s *SubAgent) SystemPrompt() []string { return []string{subAgentPrompt} }

func (s *SubAgent) Tools() []tool.Spec {
	return []tool.Spec{{
		Name:        "delegate",
		Description: "Delegate a self-contained subtask to a sub-agent with its own conversation. Shares your files and metadata; returns only the final result.",
		Parameters: []tool.FunctionParam{
			{Name: "instructions", Type: tool.TypeString, Description: "Complete instructions for the subtask", Required: true},
		},
		Handler: s.delegate,
	}}
}

func (s *SubAgent) delegate(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	if s.delegator == nil {
		return protocol.ToolResult{}, fmt.Errorf("delegation is not configured")
	}
	instructions, _ := args["instructions"].(string)
	if instructions == "" {
		return protocol.ToolResult{}, fmt.Errorf("instructions are required")
	}

	result, err := s.delegator.Delegate(ctx, instructions, tc.State)
	if err != nil {
		// Child interrupts pass through to park the parent.
		return protocol.ToolResult{}, err
	}

	res := protocol.NewToolResult("", result.Output)
	res.ProcessedContent = result.Fragment
	res.Options = map[string]any{"sub_agent_id": result.SubAgentID}
	return res, nil
}
