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
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
)

const HumanInTheLoopID = "hitl"

// HumanInTheLoop gates selected tools on human review. The execution loop
// consults Check after every assistant message carrying tool calls: a
// non-nil InterruptData parks the run before any tool executes.
type HumanInTheLoop struct {
	interruptOn map[string]protocol.ReviewConfig
}

// ParseInterruptOn normalizes the configuration mapping tool-name to
// `true | false | {allowed_decisions: [...]}`. False entries are dropped.
func ParseInterruptOn(raw map[string]any) (map[string]protocol.ReviewConfig, error) {
	out := make(map[string]protocol.ReviewConfig, len(raw))
	for name, v := range raw {
		switch rule := v.(type) {
		case bool:
			if rule {
				out[name] = protocol.ReviewConfig{}
			}
		case protocol.ReviewConfig:
			out[name] = rule
		case map[string]any:
			allowed, ok := rule["allowed_decisions"]
			if !ok {
				return nil, fmt.Errorf("interrupt_on[%s]: expected allowed_decisions", name)
			}
			rc := protocol.ReviewConfig{}
			switch kinds := allowed.(type) {
			case []string:
				for _, k := range kinds {
					rc.AllowedDecisions = append(rc.AllowedDecisions, protocol.DecisionKind(k))
				}
			case []any:
				for _, k := range kinds {
					ks, ok := k.(string)
					if !ok {
						return nil, fmt.Errorf("interrupt_on[%s]: decision kinds must be strings", name)
					}
					rc.AllowedDecisions = append(rc.AllowedDecisions, protocol.DecisionKind(ks))
				}
			default:
				return nil, fmt.Errorf("interrupt_on[%s]: allowed_decisions must be a list", name)
			}
			for _, k := range rc.AllowedDecisions {
				switch k {
				case protocol.DecisionApprove, protocol.DecisionEdit, protocol.DecisionReject:
				default:
					return nil, fmt.Errorf("interrupt_on[%s]: unknown decision kind %q", name, k)
				}
			}
			out[name] = rc
		default:
			return nil, fmt.Errorf("interrupt_on[%s]: expected bool or review config, got %T", name, v)
		}
	}
	return out, nil
}

// NewHumanInTheLoop builds the middleware from an interrupt_on mapping.
func NewHumanInTheLoop(interruptOn map[string]any) (*HumanInTheLoop, error) {
	rules, err := ParseInterruptOn(interruptOn)
	if err != nil {
		return nil, err
	}
	return &HumanInTheLoop{interruptOn: rules}, nil
}

func (h *HumanInTheLoop) ID() string { return HumanInTheLoopID }

// Gated reports whether the named tool requires review.
func (h *HumanInTheLoop) Gated(toolName string) bool {
	_, ok := h.interruptOn[toolName]
	return ok
}

// InterruptOn returns the active review rules.
func (h *HumanInTheLoop) InterruptOn() map[string]protocol.ReviewConfig {
	out := make(map[string]protocol.ReviewConfig, len(h.interruptOn))
	for k, v := range h.interruptOn {
		out[k] = v
	}
	return out
}

// Check inspects an assistant message's tool calls and returns the
// interrupt payload when any call is gated, nil otherwise. Action requests
// preserve tool-call order.
func (h *HumanInTheLoop) Check(toolCalls []protocol.ToolCall) *protocol.InterruptData {
	var data protocol.InterruptData
	for _, call := range toolCalls {
		rc, gated := h.interruptOn[call.Name]
		if !gated {
			continue
		}
		data.ActionRequests = append(data.ActionRequests, protocol.ActionRequest{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Args,
		})
		data.HITLToolCallIDs = append(data.HITLToolCallIDs, call.ID)
		if data.ReviewConfigs == nil {
			data.ReviewConfigs = make(map[string]protocol.ReviewConfig)
		}
		data.ReviewConfigs[call.Name] = rc
	}
	if len(data.ActionRequests) == 0 {
		return nil
	}
	return &data
}
