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

package observability

import (
	"context"
	"time"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
)

// Collector derives metrics from one agent's event stream. It observes the
// public topic only, so it needs no hooks inside the server.
type Collector struct {
	agentID string
	metrics *Metrics
	sub     *pubsub.Subscription

	turnStarted time.Time
}

// NewCollector subscribes to the agent's topic and starts recording.
// Call Close to stop.
func NewCollector(events *pubsub.Broadcaster, agentID string, metrics *Metrics) *Collector {
	c := &Collector{
		agentID: agentID,
		metrics: metrics,
		sub:     events.Subscribe(pubsub.AgentTopic(agentID)),
	}
	go c.run()
	return c
}

func (c *Collector) run() {
	ctx := context.Background()
	for event := range c.sub.C() {
		switch event.Type {
		case pubsub.EventStatusChanged:
			c.onStatus(ctx, event)
		case pubsub.EventLLMTokenUsage:
			if usage, ok := event.Payload.(protocol.TokenUsage); ok {
				c.metrics.RecordTokenUsage(ctx, c.agentID, usage)
			}
		case pubsub.EventToolResponse:
			if msg, ok := event.Payload.(protocol.Message); ok {
				c.metrics.RecordToolResults(ctx, c.agentID, msg.ToolResults)
			}
		case pubsub.EventAgentShutdown:
			if p, ok := event.Payload.(pubsub.ShutdownPayload); ok {
				c.metrics.RecordShutdown(ctx, c.agentID, p.Reason)
			}
		}
	}
}

func (c *Collector) onStatus(ctx context.Context, event pubsub.Event) {
	p, ok := event.Payload.(pubsub.StatusChangedPayload)
	if !ok {
		return
	}
	switch p.Status {
	case "running":
		c.turnStarted = event.Timestamp
	case "idle", "interrupted", "error", "cancelled":
		if c.turnStarted.IsZero() {
			return
		}
		c.metrics.RecordTurn(ctx, c.agentID, p.Status, event.Timestamp.Sub(c.turnStarted))
		c.turnStarted = time.Time{}
	}
}

// Close stops the collector.
func (c *Collector) Close() {
	c.sub.Unsubscribe()
}
