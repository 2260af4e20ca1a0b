package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
)

func newMetricsManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.ObservabilityConfig{
		Metrics: config.MetricsConfig{Enabled: true},
	})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestDisabledMetricsHandlerAnswers503(t *testing.T) {
	m := NoopManager()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestDisabledMetricsRecordingIsNoop(t *testing.T) {
	m := NoopManager()
	m.Metrics().RecordTurn(context.Background(), "agent_a", "idle", time.Second)
	m.Metrics().RecordTokenUsage(context.Background(), "agent_a", protocol.TokenUsage{InputTokens: 1})
}

func TestMetricsAppearOnScrape(t *testing.T) {
	m := newMetricsManager(t)
	ctx := context.Background()

	m.Metrics().RecordTurn(ctx, "agent_a", "idle", 120*time.Millisecond)
	m.Metrics().RecordTurn(ctx, "agent_a", "error", 5*time.Millisecond)
	m.Metrics().RecordTokenUsage(ctx, "agent_a", protocol.TokenUsage{InputTokens: 100, OutputTokens: 40})
	m.Metrics().RecordToolResults(ctx, "agent_a", []protocol.ToolResult{
		{ToolCallID: "c1", Content: "ok"},
		{ToolCallID: "c2", Content: "boom", IsError: true},
	})
	m.Metrics().RecordShutdown(ctx, "agent_a", "inactivity")

	body := scrape(t, m)
	assert.Contains(t, body, "hive_agent_turns_total")
	assert.Contains(t, body, "hive_agent_turn_errors_total")
	assert.Contains(t, body, "hive_llm_tokens_input_total")
	assert.Contains(t, body, "hive_tool_errors_total")
	assert.Contains(t, body, "hive_agent_shutdowns_total")
	assert.Contains(t, body, `agent_id="agent_a"`)
	assert.Contains(t, body, `reason="inactivity"`)
}

func TestTracerDisabledProducesNonRecordingSpans(t *testing.T) {
	m := NoopManager()
	_, span := m.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.IsRecording())
}

func TestCollectorDerivesTurnMetrics(t *testing.T) {
	m := newMetricsManager(t)

	events := pubsub.New()
	defer events.Close()

	c := NewCollector(events, "agent_a", m.Metrics())
	defer c.Close()

	topic := pubsub.AgentTopic("agent_a")
	start := pubsub.NewEvent(pubsub.EventStatusChanged, pubsub.StatusChangedPayload{Status: "running"})
	events.Publish(topic, start)

	events.Publish(topic, pubsub.NewEvent(pubsub.EventLLMTokenUsage, protocol.TokenUsage{
		InputTokens: 10, OutputTokens: 5, TotalTokens: 15,
	}))
	events.Publish(topic, pubsub.NewEvent(pubsub.EventToolResponse, protocol.NewToolMessage(
		protocol.ToolResult{ToolCallID: "c1", Content: "ok"},
	)))

	done := pubsub.NewEvent(pubsub.EventStatusChanged, pubsub.StatusChangedPayload{Status: "idle"})
	done.Timestamp = start.Timestamp.Add(250 * time.Millisecond)
	events.Publish(topic, done)

	require.Eventually(t, func() bool {
		body := scrape(t, m)
		return strings.Contains(body, "hive_agent_turns_total") &&
			strings.Contains(body, "hive_llm_tokens_input_total") &&
			strings.Contains(body, "hive_tool_results_total")
	}, 2*time.Second, 20*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `status="idle"`)
}

func TestCollectorIgnoresCompletionWithoutStart(t *testing.T) {
	m := newMetricsManager(t)

	events := pubsub.New()
	defer events.Close()

	c := NewCollector(events, "agent_b", m.Metrics())
	defer c.Close()

	events.Publish(pubsub.AgentTopic("agent_b"),
		pubsub.NewEvent(pubsub.EventStatusChanged, pubsub.StatusChangedPayload{Status: "idle"}))

	time.Sleep(100 * time.Millisecond)
	body := scrape(t, m)
	assert.NotContains(t, body, `agent_id="agent_b"`)
}
