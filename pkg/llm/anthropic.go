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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/hive/pkg/httpclient"
	"github.com/kadirpekel/hive/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic Messages API.
type AnthropicClient struct {
	config     ProviderConfig
	httpClient *httpclient.Client
}

var _ Client = (*AnthropicClient)(nil)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// NewAnthropicClient builds a client for the Anthropic Messages API.
func NewAnthropicClient(cfg ProviderConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic requires an api key")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.anthropic.com"
	}
	cfg.applyDefaults()

	return &AnthropicClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (c *AnthropicClient) Model() string { return c.config.Model }

func (c *AnthropicClient) Close() error { return nil }

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			// System content travels in the request's system field; a
			// stray system message folds into it upstream.
			continue

		case protocol.RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Text()}},
			})

		case protocol.RoleAssistant:
			var contents []anthropicContent
			if text := msg.Text(); text != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = make(map[string]any)
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) > 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: contents})
			}

		case protocol.RoleTool:
			var contents []anthropicContent
			for _, res := range msg.ToolResults {
				contents = append(contents, anthropicContent{
					Type:      "tool_result",
					ToolUseID: res.ToolCallID,
					Content:   res.Content,
					IsError:   res.IsError,
				})
			}
			if len(contents) > 0 {
				messages = append(messages, anthropicMessage{Role: "user", Content: contents})
			}
		}
	}

	out := anthropicRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      stream,
		System:      req.System,
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		})
	}
	return out
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Provider: "anthropic", Message: "create request", Err: err}
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	// Do hands back the final response alongside the error once retries
	// are exhausted; prefer the status and body over the wrapper error.
	resp, err := c.httpClient.Do(req)
	if resp == nil {
		return nil, &Error{Provider: "anthropic", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), Err: err}
	}
	return resp, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (protocol.Message, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return protocol.Message{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Message{}, &Error{Provider: "anthropic", Message: "read response", Err: err}
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return protocol.Message{}, &Error{Provider: "anthropic", Message: "decode response", Err: err}
	}
	if out.Error != nil {
		return protocol.Message{}, &Error{Provider: "anthropic", Message: out.Error.Message}
	}

	msg := protocol.Message{Role: protocol.RoleAssistant, Status: stopReasonStatus(out.StopReason)}
	for _, content := range out.Content {
		switch content.Type {
		case "text":
			msg.Content += content.Text
		case "tool_use":
			var args map[string]any
			if content.Input != nil {
				args = *content.Input
			}
			msg.ToolCalls = append(msg.ToolCalls, protocol.NewToolCall(content.ID, content.Name, args))
		}
	}

	usage := protocol.TokenUsage{
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	return msg.WithUsage(usage), nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request, cb Callbacks) (protocol.Message, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return protocol.Message{}, err
	}
	defer resp.Body.Close()

	var (
		msg   protocol.Message
		usage protocol.TokenUsage
	)
	emit := func(delta protocol.MessageDelta) {
		msg = protocol.ApplyDelta(msg, delta)
		if cb.OnDelta != nil {
			cb.OnDelta([]protocol.MessageDelta{delta})
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
			emit(protocol.MessageDelta{Role: protocol.RoleAssistant})

		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			switch event.ContentBlock.Type {
			case "tool_use":
				emit(protocol.MessageDelta{ToolCalls: []protocol.ToolCall{{
					ID:     event.ContentBlock.ID,
					Name:   event.ContentBlock.Name,
					Index:  event.Index,
					Status: protocol.ToolCallStreaming,
				}}})
			case "thinking":
				emit(protocol.MessageDelta{Parts: []protocol.ContentPart{{
					Type: protocol.PartThinking, Index: event.Index,
				}}})
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				emit(protocol.MessageDelta{Parts: []protocol.ContentPart{{
					Type: protocol.PartText, Content: event.Delta.Text, Index: event.Index,
				}}})
			case "thinking_delta":
				emit(protocol.MessageDelta{Parts: []protocol.ContentPart{{
					Type: protocol.PartThinking, Content: event.Delta.Text, Index: event.Index,
				}}})
			case "input_json_delta":
				emit(protocol.MessageDelta{ToolCalls: []protocol.ToolCall{{
					Index: event.Index, RawArgs: event.Delta.PartialJSON,
				}}})
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			var status protocol.MessageStatus
			if event.Delta != nil {
				status = stopReasonStatus(event.Delta.StopReason)
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			emit(protocol.MessageDelta{Status: status, Usage: &usage})

		case "error":
			return protocol.Message{}, &Error{Provider: "anthropic", Message: payload}
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.Message{}, &Error{Provider: "anthropic", Message: "stream read", Err: err}
	}

	if cb.OnTokenUsage != nil && usage.TotalTokens > 0 {
		cb.OnTokenUsage(usage)
	}
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
	return msg, nil
}

func stopReasonStatus(stopReason string) protocol.MessageStatus {
	switch stopReason {
	case "max_tokens":
		return protocol.StatusLength
	case "":
		return ""
	default:
		return protocol.StatusComplete
	}
}
