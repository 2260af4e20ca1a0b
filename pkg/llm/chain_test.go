package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

func echoTool(t *testing.T) tool.Spec {
	t.Helper()
	return tool.Spec{
		Name:        "echo",
		Description: "echo the input back",
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			return protocol.NewToolResult("", fmt.Sprint(args["text"])), nil
		},
	}
}

func TestChainStepAppendsAssistantMessage(t *testing.T) {
	client := NewScriptedClient(protocol.NewAssistantMessage("hello there"))
	chain := NewChain(Handle{Client: client}, "be brief", nil, []protocol.Message{
		protocol.NewUserMessage("hi"),
	})

	msg, err := chain.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleAssistant, msg.Role)
	assert.Len(t, chain.Messages, 2)
	assert.False(t, chain.NeedsResponse())

	require.Len(t, client.Requests, 1)
	assert.Equal(t, "be brief", client.Requests[0].System)
}

func TestChainExchangedMessages(t *testing.T) {
	client := NewScriptedClient(protocol.NewAssistantMessage("done"))
	chain := NewChain(Handle{Client: client}, "", nil, []protocol.Message{
		protocol.NewUserMessage("old"),
		protocol.NewAssistantMessage("older reply"),
	})

	chain.Append(protocol.NewUserMessage("new question"))
	_, err := chain.Step(context.Background())
	require.NoError(t, err)

	exchanged := chain.ExchangedMessages()
	require.Len(t, exchanged, 2)
	assert.Equal(t, protocol.RoleUser, exchanged[0].Role)
	assert.Equal(t, protocol.RoleAssistant, exchanged[1].Role)
}

func TestChainExecuteToolCalls(t *testing.T) {
	chain := NewChain(Handle{}, "", []tool.Spec{echoTool(t)}, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "echo", map[string]any{"text": "ping"}),
	))

	fragments, msg, err := chain.ExecuteToolCalls(context.Background(), &tool.Context{AgentID: "agent_1"})
	require.NoError(t, err)
	assert.Empty(t, fragments)
	require.Len(t, msg.ToolResults, 1)
	assert.Equal(t, "ping", msg.ToolResults[0].Content)
	assert.True(t, chain.NeedsResponse())
}

func TestChainExecuteToolCallsUnknownTool(t *testing.T) {
	chain := NewChain(Handle{}, "", nil, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "missing", nil),
	))

	_, msg, err := chain.ExecuteToolCalls(context.Background(), &tool.Context{})
	require.NoError(t, err)
	require.Len(t, msg.ToolResults, 1)
	assert.True(t, msg.ToolResults[0].IsError)
	assert.Contains(t, msg.ToolResults[0].Content, "tool not found: missing")
}

func TestChainExecuteToolCallsCollectsFragments(t *testing.T) {
	spec := tool.Spec{
		Name:        "remember",
		Description: "store a value",
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			res := protocol.NewToolResult("", "stored")
			res.ProcessedContent = state.State{Metadata: map[string]any{"key": args["key"]}}
			return res, nil
		},
	}
	chain := NewChain(Handle{}, "", []tool.Spec{spec}, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "remember", map[string]any{"key": "v"}),
	))

	fragments, _, err := chain.ExecuteToolCalls(context.Background(), &tool.Context{})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "v", fragments[0].Metadata["key"])
}

func TestChainDecisionsRejectAndEdit(t *testing.T) {
	var gotArgs map[string]any
	spec := tool.Spec{
		Name:        "write_file",
		Description: "write a file",
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			gotArgs = args
			return protocol.NewToolResult("", "written"), nil
		},
	}
	chain := NewChain(Handle{}, "", []tool.Spec{spec}, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "write_file", map[string]any{"path": "/etc/passwd"}),
		protocol.NewToolCall("call_2", "write_file", map[string]any{"path": "a.txt"}),
	))

	data := &protocol.InterruptData{
		ActionRequests: []protocol.ActionRequest{
			{ToolCallID: "call_1", ToolName: "write_file"},
			{ToolCallID: "call_2", ToolName: "write_file"},
		},
	}
	decisions := []protocol.Decision{
		protocol.Reject(),
		protocol.Edit(map[string]any{"path": "b.txt"}),
	}

	_, msg, err := chain.ExecuteToolCallsWithDecisions(context.Background(), &tool.Context{}, data, decisions)
	require.NoError(t, err)
	require.Len(t, msg.ToolResults, 2)

	assert.True(t, msg.ToolResults[0].IsError)
	assert.Equal(t, protocol.RejectedResultContent, msg.ToolResults[0].Content)

	assert.Equal(t, "written", msg.ToolResults[1].Content)
	assert.Equal(t, map[string]any{"path": "b.txt"}, gotArgs)
}

func TestChainDecisionCountMismatch(t *testing.T) {
	chain := NewChain(Handle{}, "", nil, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "echo", nil),
	))

	data := &protocol.InterruptData{
		ActionRequests: []protocol.ActionRequest{{ToolCallID: "call_1", ToolName: "echo"}},
	}

	_, _, err := chain.ExecuteToolCallsWithDecisions(context.Background(), &tool.Context{}, data, nil)
	assert.Error(t, err)
	assert.Len(t, chain.Messages, 1)
}

func TestChainInterruptPropagates(t *testing.T) {
	data := protocol.InterruptData{
		ActionRequests: []protocol.ActionRequest{{ToolCallID: "inner", ToolName: "delete_file"}},
	}
	spec := tool.Spec{
		Name:        "delegate",
		Description: "delegate work",
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			return protocol.ToolResult{}, &tool.InterruptError{Data: data}
		},
	}
	chain := NewChain(Handle{}, "", []tool.Spec{spec}, nil)
	chain.Append(protocol.NewAssistantMessage("",
		protocol.NewToolCall("call_1", "delegate", nil),
	))

	_, _, err := chain.ExecuteToolCalls(context.Background(), &tool.Context{})
	var interrupt *tool.InterruptError
	require.ErrorAs(t, err, &interrupt)
	assert.Equal(t, data, interrupt.Data)
	assert.Len(t, chain.Messages, 1)
}

func TestChainStreamingFiresCallbacks(t *testing.T) {
	usage := protocol.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	client := NewScriptedClient(protocol.NewAssistantMessage("streamed").WithUsage(usage))

	chain := NewChain(Handle{Client: client, Streaming: true}, "", nil, []protocol.Message{
		protocol.NewUserMessage("go"),
	})

	var deltas int
	var gotUsage protocol.TokenUsage
	chain.Callbacks = Callbacks{
		OnDelta:      func(d []protocol.MessageDelta) { deltas += len(d) },
		OnTokenUsage: func(u protocol.TokenUsage) { gotUsage = u },
	}

	_, err := chain.Step(context.Background())
	require.NoError(t, err)
	assert.Greater(t, deltas, 0)
	assert.Equal(t, usage, gotUsage)
}

func TestRegistryCreateFromConfig(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateFromConfig("main", ProviderConfig{Type: "nope"})
	assert.ErrorContains(t, err, "unsupported LLM type")

	client, err := r.CreateFromConfig("main", ProviderConfig{
		Type: "anthropic", Model: "claude-sonnet-4-20250514", APIKey: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", client.Model())

	got, err := r.GetClient("main")
	require.NoError(t, err)
	assert.Equal(t, client, got)

	_, err = r.GetClient("other")
	assert.Error(t, err)
}
