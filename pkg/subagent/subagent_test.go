package subagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/middleware"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

func newTestEngine(t *testing.T, client llm.Client, mutate func(*Config)) (*Engine, *pubsub.Broadcaster, *pubsub.Subscription) {
	t.Helper()
	broadcaster := pubsub.New()
	t.Cleanup(broadcaster.Close)

	debugTopic := pubsub.DebugTopic("agent_p")
	sub := broadcaster.Subscribe(debugTopic)

	cfg := Config{
		ParentID:     "agent_p",
		Model:        llm.Handle{Client: client},
		SystemPrompt: "You are a delegate.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env := &middleware.Env{
		AgentID:    "agent_p",
		Events:     broadcaster,
		Topic:      pubsub.AgentTopic("agent_p"),
		DebugTopic: debugTopic,
	}
	return NewEngine(cfg, env), broadcaster, sub
}

func drainWrapped(sub *pubsub.Subscription, n int) []pubsub.SubAgentPayload {
	out := make([]pubsub.SubAgentPayload, 0, n)
	for i := 0; i < n; i++ {
		event := <-sub.C()
		out = append(out, event.Payload.(pubsub.SubAgentPayload))
	}
	return out
}

func TestDelegateRunsChildToCompletion(t *testing.T) {
	client := llm.NewScriptedClient(protocol.NewAssistantMessage("child answer"))
	engine, _, sub := newTestEngine(t, client, nil)

	parent := state.New("agent_p").
		PutMetadata("project", "hive").
		PutFileMeta(state.FileMeta{Path: "notes.txt"})

	res, err := engine.Delegate(context.Background(), "summarize the notes", parent)
	require.NoError(t, err)

	assert.Equal(t, "agent_p-sub-1", res.SubAgentID)
	assert.Equal(t, "child answer", res.Output)
	assert.Contains(t, res.Fragment.FilesIndex, "notes.txt")
	assert.Equal(t, "hive", res.Fragment.Metadata["project"])

	// The child saw the instructions as its sole user message.
	require.NotEmpty(t, client.Requests)
	first := client.Requests[0]
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "summarize the notes", first.Messages[0].Text())

	wrapped := drainWrapped(sub, 3)
	assert.Equal(t, pubsub.EventSubAgentStarted, wrapped[0].Event.Type)
	assert.Equal(t, pubsub.EventSubAgentLLMMessage, wrapped[1].Event.Type)
	assert.Equal(t, pubsub.EventSubAgentCompleted, wrapped[2].Event.Type)
	for _, w := range wrapped {
		assert.Equal(t, "agent_p-sub-1", w.SubAgentID)
	}
}

func TestDelegateIDsIncrement(t *testing.T) {
	client := llm.NewScriptedClient(
		protocol.NewAssistantMessage("one"),
		protocol.NewAssistantMessage("two"),
	)
	engine, _, _ := newTestEngine(t, client, nil)

	first, err := engine.Delegate(context.Background(), "a", state.New("agent_p"))
	require.NoError(t, err)
	second, err := engine.Delegate(context.Background(), "b", state.New("agent_p"))
	require.NoError(t, err)

	assert.Equal(t, "agent_p-sub-1", first.SubAgentID)
	assert.Equal(t, "agent_p-sub-2", second.SubAgentID)
}

func gatedTool(record *[]string) tool.Spec {
	return tool.Spec{
		Name:        "publish",
		Description: "Publish the given text",
		Parameters: []tool.FunctionParam{
			{Name: "text", Type: tool.TypeString, Description: "Text to publish", Required: true},
		},
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			if record != nil {
				text, _ := args["text"].(string)
				*record = append(*record, text)
			}
			return protocol.NewToolResult("", "published"), nil
		},
	}
}

func TestChildInterruptWrapsAndParks(t *testing.T) {
	client := llm.NewScriptedClient(
		protocol.NewAssistantMessage("", protocol.NewToolCall("c1", "publish", map[string]any{"text": "draft"})),
	)
	var published []string
	engine, _, _ := newTestEngine(t, client, func(cfg *Config) {
		cfg.Tools = []tool.Spec{gatedTool(&published)}
		cfg.InterruptOn = map[string]any{"publish": true}
	})

	_, err := engine.Delegate(context.Background(), "publish the draft", state.New("agent_p"))

	var interrupt *tool.InterruptError
	require.ErrorAs(t, err, &interrupt)
	assert.Equal(t, protocol.InterruptTypeSubAgentHITL, interrupt.Data.Type)
	assert.Equal(t, "agent_p-sub-1", interrupt.Data.SubAgentID)
	require.Len(t, interrupt.Data.ActionRequests, 1)
	assert.Equal(t, "publish", interrupt.Data.ActionRequests[0].ToolName)

	assert.Empty(t, published)
	assert.Equal(t, []string{"agent_p-sub-1"}, engine.Parked())
}

func TestResumeChildApprove(t *testing.T) {
	client := llm.NewScriptedClient(
		protocol.NewAssistantMessage("", protocol.NewToolCall("c1", "publish", map[string]any{"text": "draft"})),
		protocol.NewAssistantMessage("published the draft"),
	)
	var published []string
	engine, _, _ := newTestEngine(t, client, func(cfg *Config) {
		cfg.Tools = []tool.Spec{gatedTool(&published)}
		cfg.InterruptOn = map[string]any{"publish": true}
	})

	_, err := engine.Delegate(context.Background(), "publish the draft", state.New("agent_p"))
	var interrupt *tool.InterruptError
	require.ErrorAs(t, err, &interrupt)

	res, err := engine.ResumeChild(context.Background(), interrupt.Data.SubAgentID,
		[]protocol.Decision{protocol.Approve()}, state.New("agent_p"))
	require.NoError(t, err)

	assert.Equal(t, []string{"draft"}, published)
	assert.Equal(t, "published the draft", res.Output)
	assert.Empty(t, engine.Parked())
}

func TestResumeChildUnknown(t *testing.T) {
	engine, _, _ := newTestEngine(t, llm.NewScriptedClient(), nil)

	_, err := engine.ResumeChild(context.Background(), "agent_p-sub-9", nil, state.New("agent_p"))
	assert.ErrorContains(t, err, "no parked child")
}

func TestChildrenDoNotNest(t *testing.T) {
	client := llm.NewScriptedClient(protocol.NewAssistantMessage("ok"))
	engine, _, _ := newTestEngine(t, client, nil)

	_, err := engine.Delegate(context.Background(), "x", state.New("agent_p"))
	require.NoError(t, err)

	// The child's tool list never includes delegate.
	require.NotEmpty(t, client.Requests)
	for _, def := range client.Requests[0].Tools {
		assert.NotEqual(t, "delegate", def.Name)
	}
}

func TestDelegateChildError(t *testing.T) {
	client := llm.NewScriptedClient()
	client.Err = assert.AnError
	engine, _, sub := newTestEngine(t, client, nil)

	_, err := engine.Delegate(context.Background(), "x", state.New("agent_p"))
	require.Error(t, err)

	wrapped := drainWrapped(sub, 2)
	assert.Equal(t, pubsub.EventSubAgentStarted, wrapped[0].Event.Type)
	assert.Equal(t, pubsub.EventSubAgentError, wrapped[1].Event.Type)
}
