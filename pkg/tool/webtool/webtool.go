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

// Package webtool provides the web_request tool: HTTP requests to external
// services with domain allow/deny lists and size caps.
package webtool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/hive/pkg/httpclient"
	"github.com/kadirpekel/hive/pkg/tool"
	"github.com/kadirpekel/hive/pkg/tool/functiontool"
)

// Args are the request parameters the model fills in.
type Args struct {
	URL     string            `json:"url" jsonschema:"required,description=The URL to request"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET,enum=GET|POST|PUT|DELETE|PATCH|HEAD"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=HTTP headers as key-value pairs"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body for POST PUT PATCH"`
}

// Config bounds what the tool may reach.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxRequestSize  int64
	MaxResponseSize int64

	// AllowedDomains, when non-empty, is the only set of hosts the tool
	// may contact. DeniedDomains always wins.
	AllowedDomains []string
	DeniedDomains  []string

	UserAgent string
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1 << 20
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "hive/0.1"
	}
}

// New builds the web_request tool spec.
func New(cfg Config) (tool.Spec, error) {
	cfg.applyDefaults()

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)

	return functiontool.New(
		functiontool.Config{
			Name:        "web_request",
			Description: "Make HTTP requests to external APIs and web services. Supports custom methods, headers, and request bodies.",
		},
		func(ctx context.Context, tc *tool.Context, args Args) (string, error) {
			return run(ctx, &cfg, client, args)
		},
	)
}

func run(ctx context.Context, cfg *Config, client *httpclient.Client, args Args) (string, error) {
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}

	parsed, err := url.Parse(args.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if err := checkDomain(cfg, parsed.Hostname()); err != nil {
		return "", err
	}
	if int64(len(args.Body)) > cfg.MaxRequestSize {
		return "", fmt.Errorf("request body too large: %d bytes (max %d)", len(args.Body), cfg.MaxRequestSize)
	}

	var body io.Reader
	if args.Body != "" {
		body = strings.NewReader(args.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	truncated := int64(len(data)) > cfg.MaxResponseSize
	if truncated {
		data = data[:cfg.MaxResponseSize]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d\n", resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&b, "Content-Type: %s\n", ct)
	}
	b.WriteString("\n")
	b.Write(data)
	if truncated {
		fmt.Fprintf(&b, "\n[response truncated at %d bytes]", cfg.MaxResponseSize)
	}
	return b.String(), nil
}

func checkDomain(cfg *Config, host string) error {
	host = strings.ToLower(host)
	for _, denied := range cfg.DeniedDomains {
		if matchDomain(host, denied) {
			return fmt.Errorf("domain %q is denied", host)
		}
	}
	if len(cfg.AllowedDomains) == 0 {
		return nil
	}
	for _, allowed := range cfg.AllowedDomains {
		if matchDomain(host, allowed) {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not in the allow list", host)
}

// matchDomain matches exact hosts and subdomains of the pattern.
func matchDomain(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
