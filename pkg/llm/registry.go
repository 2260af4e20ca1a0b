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
	"fmt"

	"github.com/kadirpekel/hive/pkg/registry"
)

// NewClient builds a provider client from configuration.
func NewClient(cfg ProviderConfig) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Type {
	case "anthropic":
		client, err = NewAnthropicClient(cfg)
	case "openai":
		client, err = NewOpenAIClient(cfg)
	case "gemini":
		client, err = NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: anthropic, openai, gemini)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

// Registry holds named LLM clients.
type Registry struct {
	*registry.BaseRegistry[Client]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Client]()}
}

// CreateFromConfig builds a client from configuration and registers it.
func (r *Registry) CreateFromConfig(name string, cfg ProviderConfig) (Client, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Register(name, client); err != nil {
		return nil, fmt.Errorf("failed to register LLM: %w", err)
	}
	return client, nil
}

// GetClient returns a registered client by name.
func (r *Registry) GetClient(name string) (Client, error) {
	client, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM client '%s' not found", name)
	}
	return client, nil
}
