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

// Package functiontool builds tool.Spec values from typed Go functions.
// The parameter schema is reflected from the Args struct's json and
// jsonschema tags, so the declaration and the implementation cannot drift.
//
//	type SearchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=10"`
//	}
//
//	spec, err := functiontool.New(
//	    functiontool.Config{Name: "search", Description: "Search files"},
//	    func(ctx context.Context, tc *tool.Context, args SearchArgs) (string, error) {
//	        ...
//	    },
//	)
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Config names and describes the tool being built.
type Config struct {
	Name        string
	Description string
}

// New builds a tool.Spec from a typed function. The function's string
// return becomes the tool result content; a returned error becomes an error
// tool result at the execution boundary.
func New[Args any](cfg Config, fn func(ctx context.Context, tc *tool.Context, args Args) (string, error)) (tool.Spec, error) {
	if cfg.Name == "" {
		return tool.Spec{}, fmt.Errorf("functiontool: name is required")
	}
	if cfg.Description == "" {
		return tool.Spec{}, fmt.Errorf("functiontool %q: description is required", cfg.Name)
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return tool.Spec{}, fmt.Errorf("functiontool %q: schema generation: %w", cfg.Name, err)
	}

	spec := tool.Spec{
		Name:        cfg.Name,
		Description: cfg.Description,
		RawSchema:   schema,
		Handler: func(ctx context.Context, tc *tool.Context, raw map[string]any) (protocol.ToolResult, error) {
			var args Args
			if err := decodeArgs(raw, &args); err != nil {
				return protocol.ToolResult{}, fmt.Errorf("invalid arguments: %w", err)
			}
			content, err := fn(ctx, tc, args)
			if err != nil {
				return protocol.ToolResult{}, err
			}
			return protocol.NewToolResult(tc.ToolCallID, content), nil
		},
	}
	return spec, nil
}

// MustNew is New for statically known declarations.
func MustNew[Args any](cfg Config, fn func(ctx context.Context, tc *tool.Context, args Args) (string, error)) tool.Spec {
	spec, err := New(cfg, fn)
	if err != nil {
		panic(err)
	}
	return spec
}

// decodeArgs converts the call's argument map into the typed Args struct.
// A JSON round-trip handles numeric widening and nested structs uniformly.
func decodeArgs(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
