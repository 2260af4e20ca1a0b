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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider reads a KV entry and watches it with blocking queries.
type ConsulProvider struct {
	client *api.Client
	path   string
}

// NewConsulProvider connects to the first endpoint, default local agent.
func NewConsulProvider(endpoints []string, path string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to consul: %w", err)
	}
	return &ConsulProvider{client: client, path: path}, nil
}

func (p *ConsulProvider) Type() Type { return TypeConsul }

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.path, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read consul key %s: %w", p.path, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.path)
	}
	return pair.Value, nil
}

func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		var lastIndex uint64
		for ctx.Err() == nil {
			opts := &api.QueryOptions{WaitIndex: lastIndex, WaitTime: 5 * time.Minute}
			pair, meta, err := p.client.KV().Get(p.path, opts.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("consul watch error", "path", p.path, "error", err)
				time.Sleep(time.Second)
				continue
			}
			if pair == nil || meta.LastIndex == lastIndex {
				continue
			}
			if lastIndex != 0 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			lastIndex = meta.LastIndex
		}
	}()
	return ch, nil
}

func (p *ConsulProvider) Close() error { return nil }
