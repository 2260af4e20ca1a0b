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

package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Chain is a conversation in flight: the model handle, the tool set, and
// the message list the inner execution loop appends to. It is a value
// owned by whoever drives it (agent turn or sub-agent), never shared.
type Chain struct {
	Handle    Handle
	System    string
	Tools     []tool.Spec
	Messages  []protocol.Message
	Callbacks Callbacks

	baseLen int
}

// NewChain builds a chain over a starting message list.
func NewChain(handle Handle, system string, tools []tool.Spec, messages []protocol.Message) *Chain {
	return &Chain{
		Handle:   handle,
		System:   system,
		Tools:    tools,
		Messages: append([]protocol.Message(nil), messages...),
		baseLen:  len(messages),
	}
}

// LastMessage returns the newest message.
func (c *Chain) LastMessage() (protocol.Message, bool) {
	if len(c.Messages) == 0 {
		return protocol.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// ExchangedMessages returns the messages appended since construction.
func (c *Chain) ExchangedMessages() []protocol.Message {
	return append([]protocol.Message(nil), c.Messages[c.baseLen:]...)
}

// Append adds a message to the chain.
func (c *Chain) Append(msg protocol.Message) {
	c.Messages = append(c.Messages, msg)
}

// NeedsResponse reports whether the model owes the conversation a reply:
// the newest message is from the user or carries tool results.
func (c *Chain) NeedsResponse() bool {
	last, ok := c.LastMessage()
	if !ok {
		return false
	}
	return last.Role == protocol.RoleUser || last.Role == protocol.RoleTool
}

// PendingToolCalls returns the newest assistant message's tool calls when
// they have not been answered yet.
func (c *Chain) PendingToolCalls() []protocol.ToolCall {
	last, ok := c.LastMessage()
	if !ok || last.Role != protocol.RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// Step performs one model invocation and appends the assistant message.
func (c *Chain) Step(ctx context.Context) (protocol.Message, error) {
	if c.Handle.Client == nil {
		return protocol.Message{}, fmt.Errorf("llm: chain has no client")
	}

	req := Request{
		System:   c.System,
		Messages: c.Messages,
		Tools:    c.toolDefinitions(),
	}

	var (
		msg protocol.Message
		err error
	)
	if c.Handle.Streaming {
		msg, err = c.Handle.Client.Stream(ctx, req, c.Callbacks)
	} else {
		msg, err = c.Handle.Client.Complete(ctx, req)
		if err == nil && c.Callbacks.OnMessage != nil {
			c.Callbacks.OnMessage(msg)
		}
		if err == nil && c.Callbacks.OnTokenUsage != nil {
			if usage, ok := msg.Metadata[protocol.UsageMetadataKey].(protocol.TokenUsage); ok {
				c.Callbacks.OnTokenUsage(usage)
			}
		}
	}
	if err != nil {
		return protocol.Message{}, err
	}

	c.Append(msg)
	return msg, nil
}

func (c *Chain) toolDefinitions() []tool.Definition {
	if len(c.Tools) == 0 {
		return nil
	}
	defs := make([]tool.Definition, len(c.Tools))
	for i, t := range c.Tools {
		defs[i] = t.Definition()
	}
	return defs
}

func (c *Chain) findTool(name string) (tool.Spec, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return tool.Spec{}, false
}

// ExecuteToolCalls runs every pending tool call with auto-approval and
// appends the resulting tool message. It returns the state fragments the
// tools produced and the appended message.
func (c *Chain) ExecuteToolCalls(ctx context.Context, tc *tool.Context) ([]state.State, protocol.Message, error) {
	return c.ExecuteToolCallsWithDecisions(ctx, tc, nil, nil)
}

// ExecuteToolCallsWithDecisions runs every pending tool call, honouring
// per-call review decisions. Calls listed in data's action requests use the
// matching decision; every other call is auto-approved.
//
//   - approve: execute with original arguments
//   - edit: execute with the decision's replacement arguments
//   - reject: record a synthetic error result without executing
//
// A sub-agent interrupt surfaces as a *tool.InterruptError; no tool message
// is appended in that case.
func (c *Chain) ExecuteToolCallsWithDecisions(ctx context.Context, tc *tool.Context, data *protocol.InterruptData, decisions []protocol.Decision) ([]state.State, protocol.Message, error) {
	pending := c.PendingToolCalls()
	if len(pending) == 0 {
		return nil, protocol.Message{}, nil
	}

	decisionFor := make(map[string]protocol.Decision)
	if data != nil {
		if err := data.ValidateDecisions(decisions); err != nil {
			return nil, protocol.Message{}, err
		}
		for i, req := range data.ActionRequests {
			decisionFor[req.ToolCallID] = decisions[i]
		}
	}

	var (
		results   []protocol.ToolResult
		fragments []state.State
	)
	for _, call := range pending {
		decision, gated := decisionFor[call.ID]
		if !gated {
			decision = protocol.Approve()
		}

		switch decision.Kind {
		case protocol.DecisionReject:
			results = append(results, protocol.ToolResult{
				ToolCallID: call.ID,
				Content:    protocol.RejectedResultContent,
				IsError:    true,
			})
			continue
		case protocol.DecisionEdit:
			call.Args = decision.Arguments
		}

		spec, found := c.findTool(call.Name)
		if !found {
			results = append(results, protocol.NewToolError(call.ID, fmt.Sprintf("tool not found: %s", call.Name)))
			continue
		}

		res, err := spec.Execute(ctx, tc, call)
		if err != nil {
			var interrupt *tool.InterruptError
			if errors.As(err, &interrupt) {
				return nil, protocol.Message{}, err
			}
			return nil, protocol.Message{}, err
		}
		if frag, ok := res.ProcessedContent.(state.State); ok {
			fragments = append(fragments, frag)
		}
		results = append(results, res)
	}

	msg := protocol.NewToolMessage(results...)
	c.Append(msg)
	return fragments, msg, nil
}
