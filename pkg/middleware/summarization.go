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

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
)

const SummarizationID = "summarization"

const summarizationSystemPrompt = `You compress conversation history. Summarize the conversation below into a
compact brief a successor agent can continue from: goals, decisions made,
work completed, file paths touched, open items. Output only the summary.`

// SummarizationConfig tunes history compaction.
type SummarizationConfig struct {
	// MaxTokensBeforeSummary is the token estimate that triggers compaction.
	MaxTokensBeforeSummary int `mapstructure:"max_tokens_before_summary"`

	// MessagesToKeep is how many of the newest messages survive verbatim.
	MessagesToKeep int `mapstructure:"messages_to_keep"`

	// Encoding names the tiktoken encoding used for estimates.
	Encoding string `mapstructure:"encoding"`
}

// Summarization replaces old history with an LLM-written summary once the
// conversation's token estimate crosses the configured threshold. It runs
// as an after-model hook so compaction happens between turns, never inside
// one.
type Summarization struct {
	config SummarizationConfig
	model  llm.Handle

	// The encoding loads lazily; tiktoken may fetch BPE data on first use
	// and construction must stay I/O free.
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
}

// NewSummarization builds the middleware. The model handle is used to
// produce summaries; without a client the hook is a no-op.
func NewSummarization(model llm.Handle, opts map[string]any) (*Summarization, error) {
	cfg := SummarizationConfig{
		MaxTokensBeforeSummary: 100_000,
		MessagesToKeep:         20,
		Encoding:               "cl100k_base",
	}
	if err := DecodeConfig(opts, &cfg); err != nil {
		return nil, err
	}
	if cfg.MessagesToKeep < 1 {
		return nil, fmt.Errorf("summarization: messages_to_keep must be at least 1")
	}

	return &Summarization{config: cfg, model: model}, nil
}

func (s *Summarization) ID() string { return SummarizationID }

func (s *Summarization) AfterModel(ctx context.Context, env *Env, st state.State) (state.State, *protocol.InterruptData, error) {
	if s.model.Client == nil {
		return st, nil, nil
	}
	if len(st.Messages) <= s.config.MessagesToKeep {
		return st, nil, nil
	}
	if s.EstimateTokens(st.Messages) < s.config.MaxTokensBeforeSummary {
		return st, nil, nil
	}

	cut := len(st.Messages) - s.config.MessagesToKeep
	// A kept slice must not open with orphaned tool results.
	for cut < len(st.Messages) && st.Messages[cut].Role == protocol.RoleTool {
		cut++
	}
	if cut == 0 || cut >= len(st.Messages) {
		return st, nil, nil
	}

	summary, err := s.summarize(ctx, st.Messages[:cut])
	if err != nil {
		return st, nil, fmt.Errorf("summarization failed: %w", err)
	}

	next := make([]protocol.Message, 0, len(st.Messages)-cut+1)
	next = append(next, protocol.NewUserMessage("Summary of the conversation so far:\n\n"+summary))
	next = append(next, st.Messages[cut:]...)

	st = st.SetMessages(next)
	st = st.PutMiddlewareState(SummarizationID, map[string]any{
		"summarized_messages": cut,
		"summary":             summary,
	})
	return st, nil, nil
}

func (s *Summarization) summarize(ctx context.Context, messages []protocol.Message) (string, error) {
	msg, err := s.model.Client.Complete(ctx, llm.Request{
		System: summarizationSystemPrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage(renderTranscript(messages)),
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(msg.Text())
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

// EstimateTokens approximates the prompt cost of a message list. When the
// tiktoken encoding cannot load, a bytes/4 heuristic stands in.
func (s *Summarization) EstimateTokens(messages []protocol.Message) int {
	count := s.counter()
	total := 0
	for _, msg := range messages {
		total += count(msg.Text())
		for _, call := range msg.ToolCalls {
			total += count(call.Name)
			if call.Args != nil {
				if data, err := json.Marshal(call.Args); err == nil {
					total += count(string(data))
				}
			}
		}
		for _, res := range msg.ToolResults {
			total += count(res.Content)
		}
		// Per-message framing overhead.
		total += 4
	}
	return total
}

func (s *Summarization) counter() func(string) int {
	s.encOnce.Do(func() {
		s.encoder, _ = tiktoken.GetEncoding(s.config.Encoding)
	})
	if s.encoder == nil {
		return func(text string) int { return len(text) / 4 }
	}
	return func(text string) int { return len(s.encoder.Encode(text, nil, nil)) }
}

func renderTranscript(messages []protocol.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleUser:
			fmt.Fprintf(&b, "[user] %s\n", msg.Text())
		case protocol.RoleAssistant:
			if text := msg.Text(); text != "" {
				fmt.Fprintf(&b, "[assistant] %s\n", text)
			}
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Args)
				fmt.Fprintf(&b, "[assistant tool_call] %s(%s)\n", call.Name, args)
			}
		case protocol.RoleTool:
			for _, res := range msg.ToolResults {
				content := res.Content
				if len(content) > 500 {
					content = content[:500] + "..."
				}
				fmt.Fprintf(&b, "[tool %s] %s\n", res.ToolCallID, content)
			}
		}
	}
	return b.String()
}
