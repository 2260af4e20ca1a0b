package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/observability"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/server"
	"github.com/kadirpekel/hive/pkg/state"
)

func newOpsFixture(t *testing.T, agentIDs ...string) (*Server, *pubsub.Broadcaster, *server.Registry) {
	t.Helper()

	events := pubsub.New()
	t.Cleanup(events.Close)

	reg := server.NewRegistry()
	for _, id := range agentIDs {
		a, err := agent.New(agent.Config{
			ID:    id,
			Model: llm.Handle{Client: llm.NewScriptedClient(protocol.NewAssistantMessage("done"))},
		})
		require.NoError(t, err)

		srv := server.NewAgentServer(a, state.New(a.ID), server.WithPubSub(events))
		require.NoError(t, srv.Start(context.Background()))
		t.Cleanup(func() { _ = srv.Stop("test done") })
		require.NoError(t, reg.Add(srv))
	}

	obs := observability.NoopManager()
	return NewServer(config.OpsConfig{Enabled: true, Addr: ":0"}, reg, events, obs), events, reg
}

func getJSON(t *testing.T, router http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealthReportsAgentCount(t *testing.T) {
	ops, _, _ := newOpsFixture(t, "agent_a", "agent_b")
	router := ops.Router()

	var body map[string]any
	code := getJSON(t, router, "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["agents"])
}

func TestListAgents(t *testing.T) {
	ops, _, _ := newOpsFixture(t, "agent_a", "agent_b", "other_c")
	router := ops.Router()

	var body agentListResponse
	code := getJSON(t, router, "/v1/agents/", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Agents, 3)
	assert.Empty(t, body.Running)

	body = agentListResponse{}
	code = getJSON(t, router, "/v1/agents/?pattern=agent_*", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Agents, 2)
}

func TestAgentInfoAndStatus(t *testing.T) {
	ops, _, _ := newOpsFixture(t, "agent_a")
	router := ops.Router()

	var info server.Info
	code := getJSON(t, router, "/v1/agents/agent_a/", &info)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "agent_a", info.AgentID)

	var status map[string]any
	code = getJSON(t, router, "/v1/agents/agent_a/status", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", status["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, router, "/v1/agents/agent_x/", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, router, "/v1/agents/agent_x/status", nil))
}

func TestAgentInactivity(t *testing.T) {
	ops, _, _ := newOpsFixture(t, "agent_a")
	router := ops.Router()

	var status server.InactivityStatus
	code := getJSON(t, router, "/v1/agents/agent_a/inactivity", &status)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsDisabledAnswers503(t *testing.T) {
	ops, _, _ := newOpsFixture(t)
	rec := httptest.NewRecorder()
	ops.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	ops, events, _ := newOpsFixture(t, "agent_a")

	ts := httptest.NewServer(ops.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/agents/agent_a/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the subscription a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	events.Publish(pubsub.AgentTopic("agent_a"),
		pubsub.NewEvent(pubsub.EventTodosUpdated, pubsub.TodosUpdatedPayload{}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	assert.Equal(t, "event: todos_updated", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
}

func TestEventStreamUnknownAgent(t *testing.T) {
	ops, _, _ := newOpsFixture(t)
	rec := httptest.NewRecorder()
	ops.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/agents/agent_x/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
