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

package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// Version is the current serialization format version.
const Version = 1

// SerializationError reports a failed deserialize: missing/unsupported
// version tag or malformed required fields. The operation that triggered it
// is rejected and the in-memory state is unchanged.
type SerializationError struct {
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("state: %s", e.Reason)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// envelope is the version-tagged persisted form. AgentID is deliberately
// absent: it is a runtime identifier supplied at restore time.
type envelope struct {
	Version      int       `json:"version"`
	State        stateBody `json:"state"`
	SerializedAt time.Time `json:"serialized_at"`
}

type stateBody struct {
	Messages        []protocol.Message      `json:"messages"`
	Todos           []protocol.Todo         `json:"todos"`
	FilesIndex      map[string]FileMeta     `json:"files_index,omitempty"`
	Metadata        map[string]any          `json:"metadata"`
	MiddlewareState map[string]any          `json:"middleware_state"`
	Interrupt       *protocol.InterruptData `json:"interrupt_data,omitempty"`
}

// Serialize renders the state as a version-tagged JSON document suitable for
// JSON/JSONB storage.
func (s State) Serialize() ([]byte, error) {
	env := envelope{
		Version: Version,
		State: stateBody{
			Messages:        s.Messages,
			Todos:           s.Todos,
			FilesIndex:      s.FilesIndex,
			Metadata:        s.Metadata,
			MiddlewareState: s.MiddlewareState,
			Interrupt:       s.Interrupt,
		},
		SerializedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &SerializationError{Reason: "marshal failed", Err: err}
	}
	return data, nil
}

// Deserialize reconstructs a state from its serialized form and binds it to
// the given runtime agent id.
func Deserialize(agentID string, data []byte) (State, error) {
	if len(data) == 0 {
		return State{}, &SerializationError{Reason: "empty payload"}
	}

	// Decode the version tag first so unsupported formats fail cleanly
	// before field-level decoding.
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return State{}, &SerializationError{Reason: "malformed payload", Err: err}
	}
	if probe.Version == nil {
		return State{}, &SerializationError{Reason: "missing version tag"}
	}
	if *probe.Version != Version {
		return State{}, &SerializationError{Reason: fmt.Sprintf("unsupported version %d", *probe.Version)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return State{}, &SerializationError{Reason: "malformed state body", Err: err}
	}
	for i, msg := range env.State.Messages {
		if err := msg.Validate(); err != nil {
			return State{}, &SerializationError{Reason: fmt.Sprintf("message %d invalid", i), Err: err}
		}
	}

	return State{
		AgentID:         agentID,
		Messages:        env.State.Messages,
		Todos:           env.State.Todos,
		FilesIndex:      env.State.FilesIndex,
		Metadata:        env.State.Metadata,
		MiddlewareState: env.State.MiddlewareState,
		Interrupt:       env.State.Interrupt,
	}, nil
}
