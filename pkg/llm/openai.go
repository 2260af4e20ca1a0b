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

// OpenAIClient speaks the OpenAI chat completions API. It also covers
// OpenAI-compatible hosts (set Host to the compatible endpoint).
type OpenAIClient struct {
	config     ProviderConfig
	httpClient *httpclient.Client
}

var _ Client = (*OpenAIClient)(nil)

type openAIRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIMessage     `json:"messages"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   float64             `json:"temperature,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openAIStreamOpts   `json:"stream_options,omitempty"`
	Tools         []openAITool        `json:"tools,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIClient builds a client for the chat completions API.
func NewOpenAIClient(cfg ProviderConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: openai requires an api key")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.openai.com/v1"
	}
	cfg.applyDefaults()

	return &OpenAIClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (c *OpenAIClient) Model() string { return c.config.Model }

func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) buildRequest(req Request, stream bool) openAIRequest {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			messages = append(messages, openAIMessage{Role: "system", Content: msg.Text()})

		case protocol.RoleUser:
			messages = append(messages, openAIMessage{Role: "user", Content: msg.Text()})

		case protocol.RoleAssistant:
			out := openAIMessage{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				args := "{}"
				if tc.Args != nil {
					if data, err := json.Marshal(tc.Args); err == nil {
						args = string(data)
					}
				}
				out.ToolCalls = append(out.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, out)

		case protocol.RoleTool:
			for _, res := range msg.ToolResults {
				messages = append(messages, openAIMessage{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
		}
	}

	out := openAIRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

func (c *OpenAIClient) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: "openai", Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Provider: "openai", Message: "create request", Err: err}
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	// Do hands back the final response alongside the error once retries
	// are exhausted; prefer the status and body over the wrapper error.
	resp, err := c.httpClient.Do(req)
	if resp == nil {
		return nil, &Error{Provider: "openai", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Provider: "openai", Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), Err: err}
	}
	return resp, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (protocol.Message, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return protocol.Message{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Message{}, &Error{Provider: "openai", Message: "read response", Err: err}
	}

	var out openAIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return protocol.Message{}, &Error{Provider: "openai", Message: "decode response", Err: err}
	}
	if out.Error != nil {
		return protocol.Message{}, &Error{Provider: "openai", Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return protocol.Message{}, &Error{Provider: "openai", Message: "no response choices"}
	}

	choice := out.Choices[0]
	msg := protocol.Message{
		Role:    protocol.RoleAssistant,
		Content: choice.Message.Content,
		Status:  finishReasonStatus(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return protocol.Message{}, &Error{Provider: "openai", Message: fmt.Sprintf("invalid tool call arguments for %s", tc.Function.Name), Err: err}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, protocol.NewToolCall(tc.ID, tc.Function.Name, args))
	}

	usage := protocol.TokenUsage{
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		TotalTokens:  out.Usage.TotalTokens,
	}
	return msg.WithUsage(usage), nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, cb Callbacks) (protocol.Message, error) {
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
	emit(protocol.MessageDelta{Role: protocol.RoleAssistant})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return protocol.Message{}, &Error{Provider: "openai", Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			usage = protocol.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			emit(protocol.MessageDelta{Parts: []protocol.ContentPart{{
				Type: protocol.PartText, Content: choice.Delta.Content,
			}}})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			emit(protocol.MessageDelta{ToolCalls: []protocol.ToolCall{{
				ID:      tc.ID,
				Name:    tc.Function.Name,
				Index:   index,
				RawArgs: tc.Function.Arguments,
				Status:  protocol.ToolCallStreaming,
			}}})
		}
		if choice.FinishReason != "" {
			emit(protocol.MessageDelta{Status: finishReasonStatus(choice.FinishReason)})
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.Message{}, &Error{Provider: "openai", Message: "stream read", Err: err}
	}

	if usage.TotalTokens > 0 {
		msg = msg.WithUsage(usage)
		if cb.OnTokenUsage != nil {
			cb.OnTokenUsage(usage)
		}
	}
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
	return msg, nil
}

func finishReasonStatus(reason string) protocol.MessageStatus {
	switch reason {
	case "length":
		return protocol.StatusLength
	case "":
		return ""
	default:
		return protocol.StatusComplete
	}
}
