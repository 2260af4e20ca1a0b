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

// Package llm is the model transport layer: provider clients speaking the
// engine's message vocabulary, and the conversation Chain the execution
// loop drives.
package llm

import (
	"context"
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Request is one model invocation.
type Request struct {
	System   string
	Messages []protocol.Message
	Tools    []tool.Definition
}

// Callbacks observe a streaming invocation. All fields are optional.
type Callbacks struct {
	// OnDelta receives raw streaming deltas as they arrive.
	OnDelta func(deltas []protocol.MessageDelta)

	// OnMessage receives the fully assembled assistant message.
	OnMessage func(msg protocol.Message)

	// OnTokenUsage receives usage once the provider reports it.
	OnTokenUsage func(usage protocol.TokenUsage)
}

// Client is a provider connection bound to one model.
type Client interface {
	// Model returns the provider model name.
	Model() string

	// Complete performs a blocking, non-streaming invocation.
	Complete(ctx context.Context, req Request) (protocol.Message, error)

	// Stream performs a streaming invocation, firing callbacks as output
	// arrives, and returns the assembled assistant message.
	Stream(ctx context.Context, req Request, cb Callbacks) (protocol.Message, error)

	Close() error
}

// Handle bundles a client with how the engine should drive it. It is the
// opaque model handle carried by Agent values.
type Handle struct {
	Client    Client
	Streaming bool
}

// Error is an upstream model failure. The turn that triggered it aborts
// with the server status moving to error.
type Error struct {
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ProviderConfig configures a provider client.
type ProviderConfig struct {
	Type        string  `yaml:"type" mapstructure:"type"`
	Model       string  `yaml:"model" mapstructure:"model"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Host        string  `yaml:"host" mapstructure:"host"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`

	// Timeout is the whole-request timeout in seconds.
	Timeout int `yaml:"timeout" mapstructure:"timeout"`

	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RetryDelay is the base backoff in seconds.
	RetryDelay int `yaml:"retry_delay" mapstructure:"retry_delay"`
}

func (c *ProviderConfig) applyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 1.0
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}
