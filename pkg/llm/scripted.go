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
	"fmt"
	"sync"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// ScriptedClient replays a fixed sequence of assistant messages. It records
// every request it sees, so tests can assert on what reached the model.
type ScriptedClient struct {
	ModelName string
	Responses []protocol.Message
	Err       error

	mu       sync.Mutex
	calls    int
	Requests []Request
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient scripts the given responses in order.
func NewScriptedClient(responses ...protocol.Message) *ScriptedClient {
	return &ScriptedClient{ModelName: "scripted", Responses: responses}
}

func (s *ScriptedClient) Model() string {
	if s.ModelName == "" {
		return "scripted"
	}
	return s.ModelName
}

func (s *ScriptedClient) next(req Request) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return protocol.Message{}, s.Err
	}
	if s.calls >= len(s.Responses) {
		return protocol.Message{}, &Error{Provider: "scripted", Message: fmt.Sprintf("no scripted response for call %d", s.calls+1)}
	}
	msg := s.Responses[s.calls]
	s.calls++
	return msg, nil
}

// Calls reports how many invocations were made.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedClient) Complete(ctx context.Context, req Request) (protocol.Message, error) {
	return s.next(req)
}

// Stream replays the next response as a minimal delta sequence: one content
// delta, then a terminal status delta carrying usage if present.
func (s *ScriptedClient) Stream(ctx context.Context, req Request, cb Callbacks) (protocol.Message, error) {
	msg, err := s.next(req)
	if err != nil {
		return protocol.Message{}, err
	}

	if cb.OnDelta != nil {
		deltas := []protocol.MessageDelta{{Role: msg.Role, ToolCalls: msg.ToolCalls}}
		if msg.Content != "" {
			deltas[0].Parts = []protocol.ContentPart{{Type: protocol.PartText, Content: msg.Content}}
		}
		cb.OnDelta(deltas)

		final := protocol.MessageDelta{Status: protocol.StatusComplete}
		if usage, ok := msg.Metadata[protocol.UsageMetadataKey].(protocol.TokenUsage); ok {
			final.Usage = &usage
		}
		cb.OnDelta([]protocol.MessageDelta{final})
	}
	if cb.OnTokenUsage != nil {
		if usage, ok := msg.Metadata[protocol.UsageMetadataKey].(protocol.TokenUsage); ok {
			cb.OnTokenUsage(usage)
		}
	}
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
	return msg, nil
}

func (s *ScriptedClient) Close() error { return nil }
