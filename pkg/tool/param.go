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

package tool

import "fmt"

// ParamType is a JSON Schema primitive type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// FunctionParam declares one tool parameter.
type FunctionParam struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool

	// Enum restricts string parameters to a fixed value set.
	Enum []string

	// ItemType is the element type for array parameters.
	ItemType ParamType

	// ObjectProperties are the nested fields for object parameters.
	ObjectProperties []FunctionParam
}

func (p FunctionParam) validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch p.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
	default:
		return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
	}
	if p.Type == TypeArray && p.ItemType == "" {
		return fmt.Errorf("parameter %q: array requires item_type", p.Name)
	}
	return nil
}

// ToParametersSchema renders a FunctionParam list as a JSON Schema object
// with type, properties, and required.
func ToParametersSchema(params []FunctionParam) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string

	for _, p := range params {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func paramSchema(p FunctionParam) map[string]any {
	schema := map[string]any{"type": string(p.Type)}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}

	switch p.Type {
	case TypeArray:
		schema["items"] = map[string]any{"type": string(p.ItemType)}
	case TypeObject:
		if len(p.ObjectProperties) > 0 {
			nested := ToParametersSchema(p.ObjectProperties)
			schema["properties"] = nested["properties"]
			if req, ok := nested["required"]; ok {
				schema["required"] = req
			}
		}
	}
	return schema
}
