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

package server

import (
	"fmt"

	"github.com/kadirpekel/hive/pkg/registry"
)

// Registry indexes live agent servers by agent id.
type Registry struct {
	*registry.BaseRegistry[*AgentServer]
}

// NewRegistry builds an empty server registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*AgentServer]()}
}

// Add registers a server under its agent id.
func (r *Registry) Add(s *AgentServer) error {
	return r.Register(s.AgentID(), s)
}

// ListRunningAgents returns the ids of servers currently mid-turn.
func (r *Registry) ListRunningAgents() []string {
	var running []string
	for _, s := range r.Items() {
		if status, err := s.GetStatus(); err == nil && status == StatusRunning {
			running = append(running, s.AgentID())
		}
	}
	return running
}

// AgentCount returns how many servers are registered.
func (r *Registry) AgentCount() int {
	return r.Count()
}

// AgentInfo returns the inspection snapshot for one agent.
func (r *Registry) AgentInfo(agentID string) (Info, error) {
	s, ok := r.Get(agentID)
	if !ok {
		return Info{}, fmt.Errorf("server: unknown agent %s", agentID)
	}
	return s.GetInfo()
}

// ListAgentsMatching returns ids matching a glob pattern.
func (r *Registry) ListAgentsMatching(pattern string) []string {
	return r.Matching(pattern)
}
