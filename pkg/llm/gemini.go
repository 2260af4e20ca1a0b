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
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// GeminiClient wraps the official genai SDK.
type GeminiClient struct {
	config ProviderConfig
	client *genai.Client
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient builds a client over the genai SDK.
func NewGeminiClient(cfg ProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: gemini requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	cfg.applyDefaults()

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, &Error{Provider: "gemini", Message: "create client", Err: err}
	}

	return &GeminiClient{config: cfg, client: client}, nil
}

func (c *GeminiClient) Model() string { return c.config.Model }

func (c *GeminiClient) Close() error { return nil }

func (c *GeminiClient) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content

	// Function responses must carry the called function's name; collect it
	// from the assistant messages as they pass by.
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Text()}},
			})

		case protocol.RoleAssistant:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case protocol.RoleTool:
			var parts []*genai.Part
			for _, res := range msg.ToolResults {
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       res.ToolCallID,
						Name:     callNames[res.ToolCallID],
						Response: map[string]any{"result": res.Content},
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(c.config.Temperature)),
		MaxOutputTokens: int32(c.config.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	for _, def := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Parameters),
			}},
		})
	}
	return contents, config
}

func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []string:
		s.Required = append(s.Required, required...)
	case []any:
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	switch enum := schema["enum"].(type) {
	case []string:
		s.Enum = append(s.Enum, enum...)
	case []any:
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

// stableCallID derives a deterministic ID for function calls the API
// returned without one, so repeated chunks of the same call coalesce.
func stableCallID(name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{"name": name, "args": args})
	hash := sha256.Sum256(data)
	return fmt.Sprintf("call_%x", hash[:16])
}

func (c *GeminiClient) parseCandidate(resp *genai.GenerateContentResponse) (protocol.Message, error) {
	if len(resp.Candidates) == 0 {
		return protocol.Message{}, &Error{Provider: "gemini", Message: "empty response"}
	}
	candidate := resp.Candidates[0]

	msg := protocol.Message{Role: protocol.RoleAssistant, Status: geminiFinishStatus(candidate.FinishReason)}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				if part.Thought {
					msg.Parts = append(msg.Parts, protocol.ContentPart{Type: protocol.PartThinking, Content: part.Text})
				} else {
					msg.Content += part.Text
				}
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				msg.ToolCalls = append(msg.ToolCalls, protocol.NewToolCall(id, part.FunctionCall.Name, part.FunctionCall.Args))
			}
		}
	}

	if resp.UsageMetadata != nil {
		msg = msg.WithUsage(protocol.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		})
	}
	return msg, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (protocol.Message, error) {
	contents, config := c.buildRequest(req)

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, config)
	if err != nil {
		return protocol.Message{}, &Error{Provider: "gemini", Message: "generation failed", Err: err}
	}
	return c.parseCandidate(resp)
}

func (c *GeminiClient) Stream(ctx context.Context, req Request, cb Callbacks) (protocol.Message, error) {
	contents, config := c.buildRequest(req)

	var (
		msg     protocol.Message
		usage   protocol.TokenUsage
		emitted = make(map[string]bool)
		index   int
	)
	emit := func(delta protocol.MessageDelta) {
		msg = protocol.ApplyDelta(msg, delta)
		if cb.OnDelta != nil {
			cb.OnDelta([]protocol.MessageDelta{delta})
		}
	}
	emit(protocol.MessageDelta{Role: protocol.RoleAssistant})

	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.Model, contents, config) {
		if err != nil {
			return protocol.Message{}, &Error{Provider: "gemini", Message: "streaming error", Err: err}
		}
		if resp.UsageMetadata != nil {
			usage = protocol.TokenUsage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		candidate := resp.Candidates[0]

		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					partType := protocol.PartText
					if part.Thought {
						partType = protocol.PartThinking
					}
					emit(protocol.MessageDelta{Parts: []protocol.ContentPart{{
						Type: partType, Content: part.Text,
					}}})
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
					}
					if emitted[id] {
						continue
					}
					emitted[id] = true

					tc := protocol.NewToolCall(id, part.FunctionCall.Name, part.FunctionCall.Args)
					tc.Index = index
					index++
					emit(protocol.MessageDelta{ToolCalls: []protocol.ToolCall{tc}})
				}
			}
		}
		if candidate.FinishReason != "" {
			emit(protocol.MessageDelta{Status: geminiFinishStatus(candidate.FinishReason), Usage: &usage})
		}
	}

	if cb.OnTokenUsage != nil && usage.TotalTokens > 0 {
		cb.OnTokenUsage(usage)
	}
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
	return msg, nil
}

func geminiFinishStatus(reason genai.FinishReason) protocol.MessageStatus {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return protocol.StatusLength
	case genai.FinishReason(""):
		return ""
	default:
		return protocol.StatusComplete
	}
}
