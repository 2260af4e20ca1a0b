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

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/middleware"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

// ErrorKind classifies turn failures.
type ErrorKind string

const (
	// KindLLM is an upstream model failure; the turn aborts with the
	// pre-turn state intact.
	KindLLM ErrorKind = "llm_error"

	// KindMiddleware is a before or after hook failure.
	KindMiddleware ErrorKind = "middleware_error"
)

// ExecError carries the classification alongside the cause.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

// Outcome is the result of one Execute or Resume: the updated state, plus
// the interrupt data when the turn parked instead of completing.
type Outcome struct {
	State     state.State
	Interrupt *protocol.InterruptData
}

// Interrupted reports whether the turn parked.
func (o Outcome) Interrupted() bool { return o.Interrupt != nil }

// ChildResumer is implemented by delegators whose children can park on
// their own interrupts; Resume routes decisions through it when the parked
// interrupt belongs to a sub-agent.
type ChildResumer interface {
	ResumeChild(ctx context.Context, subAgentID string, decisions []protocol.Decision, parent state.State) (middleware.Delegation, error)
}

// Execute runs one turn: before-model hooks, the model and tool loop, and
// after-model hooks in reverse order. A gated tool call parks the turn with
// interrupt data attached to the returned state; after hooks are skipped in
// that case so the parked state resumes exactly where it stopped.
func (a *Agent) Execute(ctx context.Context, env *middleware.Env, st state.State, cb llm.Callbacks) (Outcome, error) {
	working, err := middleware.RunBefore(ctx, a.Middleware, env, st)
	if err != nil {
		return Outcome{}, &ExecError{Kind: KindMiddleware, Err: err}
	}

	chain := llm.NewChain(a.Model, a.SystemPrompt, a.Tools, working.Messages)
	chain.Callbacks = cb

	return a.run(ctx, env, working, chain)
}

// Resume continues a parked turn with the reviewer's decisions. The
// decision vector must match the parked action requests one to one;
// ungated calls in the same batch were never parked and run auto-approved.
func (a *Agent) Resume(ctx context.Context, env *middleware.Env, st state.State, decisions []protocol.Decision, cb llm.Callbacks) (Outcome, error) {
	data := st.Interrupt
	if data == nil {
		return Outcome{}, fmt.Errorf("agent %s: no parked interrupt to resume", a.ID)
	}
	if err := data.ValidateDecisions(decisions); err != nil {
		return Outcome{}, err
	}

	working := st.ClearInterrupt()
	chain := llm.NewChain(a.Model, a.SystemPrompt, a.Tools, working.Messages)
	chain.Callbacks = cb

	if data.Type == protocol.InterruptTypeSubAgentHITL {
		next, outcome, done, err := a.resumeChild(ctx, env, working, chain, data, decisions)
		if err != nil || done {
			return outcome, err
		}
		working = next
	} else {
		fragments, msg, err := chain.ExecuteToolCallsWithDecisions(ctx, env.ToolContext(working), data, decisions)
		if err != nil {
			return a.handleToolError(working, chain, err)
		}
		env.Publish(pubsub.NewEvent(pubsub.EventToolResponse, msg))
		working = a.absorb(ctx, env, working, fragments)
	}

	return a.run(ctx, env, working, chain)
}

// resumeChild routes decisions to a parked sub-agent and, once the child
// completes, answers the parent's pending delegate call.
func (a *Agent) resumeChild(ctx context.Context, env *middleware.Env, working state.State, chain *llm.Chain, data *protocol.InterruptData, decisions []protocol.Decision) (state.State, Outcome, bool, error) {
	sub, ok := a.SubAgentMiddleware()
	if !ok {
		return working, Outcome{}, false, fmt.Errorf("agent %s: sub-agent interrupt without subagent middleware", a.ID)
	}
	resumer, ok := sub.Delegator().(ChildResumer)
	if !ok {
		return working, Outcome{}, false, fmt.Errorf("agent %s: delegator cannot resume children", a.ID)
	}

	delegation, err := resumer.ResumeChild(ctx, data.SubAgentID, decisions, working)
	if err != nil {
		var interrupt *tool.InterruptError
		if errors.As(err, &interrupt) {
			parked := working.WithInterrupt(&interrupt.Data)
			return working, Outcome{State: parked, Interrupt: &interrupt.Data}, true, nil
		}
		return working, Outcome{}, false, err
	}

	var results []protocol.ToolResult
	for _, call := range chain.PendingToolCalls() {
		if call.Name != "delegate" {
			continue
		}
		res := protocol.NewToolResult(call.ID, delegation.Output)
		res.Options = map[string]any{"sub_agent_id": delegation.SubAgentID}
		results = append(results, res)
	}
	if len(results) == 0 {
		return working, Outcome{}, false, fmt.Errorf("agent %s: no pending delegate call for sub-agent %s", a.ID, data.SubAgentID)
	}

	msg := protocol.NewToolMessage(results...)
	chain.Append(msg)
	env.Publish(pubsub.NewEvent(pubsub.EventToolResponse, msg))

	working = a.absorb(ctx, env, working, []state.State{delegation.Fragment})
	return working, Outcome{}, false, nil
}

// run drives the model and tool loop to quiescence, then merges the
// exchanged messages and runs the after-model hooks.
func (a *Agent) run(ctx context.Context, env *middleware.Env, working state.State, chain *llm.Chain) (Outcome, error) {
	hitl, _ := a.HITL()

	for chain.NeedsResponse() {
		if _, err := chain.Step(ctx); err != nil {
			return Outcome{}, &ExecError{Kind: KindLLM, Err: err}
		}

		pending := chain.PendingToolCalls()
		if len(pending) == 0 {
			break
		}

		if hitl != nil {
			if data := hitl.Check(pending); data != nil {
				parked := working.
					AddMessages(chain.ExchangedMessages()).
					WithInterrupt(data)
				return Outcome{State: parked, Interrupt: data}, nil
			}
		}

		fragments, msg, err := chain.ExecuteToolCalls(ctx, env.ToolContext(working))
		if err != nil {
			return a.handleToolError(working, chain, err)
		}
		env.Publish(pubsub.NewEvent(pubsub.EventToolResponse, msg))
		working = a.absorb(ctx, env, working, fragments)
	}

	final := working.AddMessages(chain.ExchangedMessages())

	final, interrupt, err := middleware.RunAfter(ctx, a.Middleware, env, final)
	if err != nil {
		return Outcome{}, &ExecError{Kind: KindMiddleware, Err: err}
	}
	if interrupt != nil {
		parked := final.WithInterrupt(interrupt)
		return Outcome{State: parked, Interrupt: interrupt}, nil
	}
	return Outcome{State: final}, nil
}

// handleToolError parks the turn when a sub-agent interrupt bubbled out of
// a tool execution and propagates anything else.
func (a *Agent) handleToolError(working state.State, chain *llm.Chain, err error) (Outcome, error) {
	var interrupt *tool.InterruptError
	if errors.As(err, &interrupt) {
		parked := working.
			AddMessages(chain.ExchangedMessages()).
			WithInterrupt(&interrupt.Data)
		return Outcome{State: parked, Interrupt: &interrupt.Data}, nil
	}
	return Outcome{}, err
}

// absorb folds tool fragments into the working state and reconciles the
// files index against the filesystem. Fragments cannot express deletions
// (Merge is right-wins per key), so the index is rebuilt from the store
// after every tool batch.
func (a *Agent) absorb(ctx context.Context, env *middleware.Env, working state.State, fragments []state.State) state.State {
	for _, frag := range fragments {
		working = working.Merge(frag)
	}
	if env.Files == nil {
		return working
	}
	metas, err := env.Files.ListFiles(ctx)
	if err != nil {
		return working
	}
	index := make(map[string]state.FileMeta, len(metas))
	for _, m := range metas {
		index[m.Path] = m
	}
	working.FilesIndex = index
	return working
}
