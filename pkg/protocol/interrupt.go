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

import "fmt"

// DecisionKind discriminates human review decisions.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionEdit    DecisionKind = "edit"
	DecisionReject  DecisionKind = "reject"
)

// RejectedResultContent is the canonical content of the synthetic tool
// result injected for a rejected call.
const RejectedResultContent = "Tool execution rejected by human reviewer"

// Decision is a human reviewer's verdict on one gated tool call.
// Arguments is set only for edit decisions and replaces the original
// arguments wholesale.
type Decision struct {
	Kind      DecisionKind   `json:"kind"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Approve returns an approve decision.
func Approve() Decision { return Decision{Kind: DecisionApprove} }

// Edit returns an edit decision carrying replacement arguments.
func Edit(args map[string]any) Decision { return Decision{Kind: DecisionEdit, Arguments: args} }

// Reject returns a reject decision.
func Reject() Decision { return Decision{Kind: DecisionReject} }

// ReviewConfig constrains which decision kinds a reviewer may take for a
// given tool. An empty AllowedDecisions means all kinds are allowed.
type ReviewConfig struct {
	AllowedDecisions []DecisionKind `json:"allowed_decisions,omitempty"`
}

// Allows reports whether the config permits the given kind.
func (rc ReviewConfig) Allows(kind DecisionKind) bool {
	if len(rc.AllowedDecisions) == 0 {
		return kind == DecisionApprove || kind == DecisionEdit || kind == DecisionReject
	}
	for _, k := range rc.AllowedDecisions {
		if k == kind {
			return true
		}
	}
	return false
}

// ActionRequest describes one tool call awaiting a human decision.
type ActionRequest struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// InterruptTypeSubAgentHITL marks an interrupt that originated inside a
// delegated sub-agent and bubbled up through the parent's tool pipeline.
const InterruptTypeSubAgentHITL = "subagent_hitl"

// InterruptData is the payload of a parked execution: the gated calls, the
// set of call ids that triggered gating, and the per-tool review configs.
// Type and SubAgentID are set only for interrupts forwarded from a
// sub-agent.
type InterruptData struct {
	ActionRequests  []ActionRequest         `json:"action_requests"`
	HITLToolCallIDs []string                `json:"hitl_tool_call_ids"`
	ReviewConfigs   map[string]ReviewConfig `json:"review_configs,omitempty"`

	Type       string `json:"type,omitempty"`
	SubAgentID string `json:"sub_agent_id,omitempty"`
}

// ValidateDecisions checks a decision vector against the parked action
// requests: the vector must match in length and each decision kind must be
// allowed by the corresponding tool's review config.
func (d *InterruptData) ValidateDecisions(decisions []Decision) error {
	if len(decisions) != len(d.ActionRequests) {
		return fmt.Errorf("protocol: expected %d decisions, got %d", len(d.ActionRequests), len(decisions))
	}
	for i, dec := range decisions {
		req := d.ActionRequests[i]
		rc := d.ReviewConfigs[req.ToolName]
		if !rc.Allows(dec.Kind) {
			return fmt.Errorf("protocol: decision %q not allowed for tool %q", dec.Kind, req.ToolName)
		}
		if dec.Kind == DecisionEdit && dec.Arguments == nil {
			return fmt.Errorf("protocol: edit decision for tool %q requires arguments", req.ToolName)
		}
	}
	return nil
}
