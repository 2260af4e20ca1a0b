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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// Metrics records runtime counters and histograms. The zero value is a
// no-op, so disabled metrics cost one nil check per call site.
type Metrics struct {
	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter
	turnErrors   metric.Int64Counter
	interrupts   metric.Int64Counter

	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter

	toolResults metric.Int64Counter
	toolErrors  metric.Int64Counter

	shutdowns metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.turnDuration, err = meter.Float64Histogram(
		"hive_agent_turn_duration_seconds",
		metric.WithDescription("Duration of one agent turn"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.turnsTotal, err = meter.Int64Counter(
		"hive_agent_turns_total",
		metric.WithDescription("Completed agent turns by outcome"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.turnErrors, err = meter.Int64Counter(
		"hive_agent_turn_errors_total",
		metric.WithDescription("Agent turns ending in the error status"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.interrupts, err = meter.Int64Counter(
		"hive_agent_interrupts_total",
		metric.WithDescription("Turns parked awaiting human review"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.inputTokens, err = meter.Int64Counter(
		"hive_llm_tokens_input_total",
		metric.WithDescription("Input tokens reported by providers"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.outputTokens, err = meter.Int64Counter(
		"hive_llm_tokens_output_total",
		metric.WithDescription("Output tokens reported by providers"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.toolResults, err = meter.Int64Counter(
		"hive_tool_results_total",
		metric.WithDescription("Tool results produced"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"hive_tool_errors_total",
		metric.WithDescription("Tool results flagged as errors"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.shutdowns, err = meter.Int64Counter(
		"hive_agent_shutdowns_total",
		metric.WithDescription("Agent server shutdowns by reason"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	return m, nil
}

// RecordTurn records a completed turn and its outcome status.
func (m *Metrics) RecordTurn(ctx context.Context, agentID, status string, duration time.Duration) {
	if m == nil || m.turnsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("status", status),
	)
	m.turnsTotal.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
	switch status {
	case "error":
		m.turnErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
	case "interrupted":
		m.interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
	}
}

// RecordTokenUsage records one provider usage report.
func (m *Metrics) RecordTokenUsage(ctx context.Context, agentID string, usage protocol.TokenUsage) {
	if m == nil || m.inputTokens == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	m.inputTokens.Add(ctx, int64(usage.InputTokens), attrs)
	m.outputTokens.Add(ctx, int64(usage.OutputTokens), attrs)
}

// RecordToolResults records one batch of tool results.
func (m *Metrics) RecordToolResults(ctx context.Context, agentID string, results []protocol.ToolResult) {
	if m == nil || m.toolResults == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	m.toolResults.Add(ctx, int64(len(results)), attrs)
	for _, r := range results {
		if r.IsError {
			m.toolErrors.Add(ctx, 1, attrs)
		}
	}
}

// RecordShutdown records one agent server shutdown.
func (m *Metrics) RecordShutdown(ctx context.Context, agentID, reason string) {
	if m == nil || m.shutdowns == nil {
		return
	}
	m.shutdowns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("reason", reason),
	))
}
