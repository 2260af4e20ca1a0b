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

package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders reads Anthropic's rate limit headers. Reset times
// arrive as RFC3339 timestamps; the earliest one present wins.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}

	for _, name := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if raw := headers.Get(name); raw != "" {
			if at, err := time.Parse(time.RFC3339, raw); err == nil {
				info.ResetTime = at.Unix()
				break
			}
		}
	}

	info.RequestsRemaining = headerInt(headers, "anthropic-ratelimit-requests-remaining")
	info.InputTokensRemaining = headerInt(headers, "anthropic-ratelimit-input-tokens-remaining")
	info.OutputTokensRemaining = headerInt(headers, "anthropic-ratelimit-output-tokens-remaining")
	return info
}

// ParseOpenAIHeaders reads OpenAI's rate limit headers. Reset times arrive
// as unix seconds.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}

	for _, name := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if raw := headers.Get(name); raw != "" {
			if at, err := strconv.ParseInt(raw, 10, 64); err == nil {
				info.ResetTime = at
				break
			}
		}
	}

	info.RequestsRemaining = headerInt(headers, "x-ratelimit-remaining-requests")
	info.TokensRemaining = headerInt(headers, "x-ratelimit-remaining-tokens")
	return info
}

// ParseGeminiHeaders reads Gemini's rate limit headers. Gemini only sends
// Retry-After.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}
}

func retryAfterSeconds(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func headerInt(headers http.Header, name string) int {
	n, _ := strconv.Atoi(headers.Get(name))
	return n
}
