package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "valid user message",
			msg:  NewUserMessage("hello"),
		},
		{
			name:    "empty user message",
			msg:     Message{Role: RoleUser},
			wantErr: true,
		},
		{
			name:    "empty system message",
			msg:     Message{Role: RoleSystem},
			wantErr: true,
		},
		{
			name: "assistant with empty content and tool calls",
			msg:  NewAssistantMessage("", NewToolCall("1", "list_files", nil)),
		},
		{
			name:    "tool message without results",
			msg:     Message{Role: RoleTool},
			wantErr: true,
		},
		{
			name: "tool message with result",
			msg:  NewToolMessage(NewToolResult("1", "ok")),
		},
		{
			name:    "tool calls on user message",
			msg:     Message{Role: RoleUser, Content: "x", ToolCalls: []ToolCall{NewToolCall("1", "t", nil)}},
			wantErr: true,
		},
		{
			name:    "unknown role",
			msg:     Message{Role: Role("oracle"), Content: "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageTextFromParts(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []ContentPart{
			{Type: PartText, Content: "Hello, ", Index: 0},
			{Type: PartThinking, Content: "hmm", Index: 1},
			{Type: PartText, Content: "world", Index: 2},
		},
	}
	assert.Equal(t, "Hello, world", msg.Text())
}

func TestMergePartsAppendsAtSameIndex(t *testing.T) {
	parts := []ContentPart{{Type: PartText, Content: "Hel", Index: 0}}
	parts = MergeParts(parts, []ContentPart{{Type: PartText, Content: "lo", Index: 0}})

	require.Len(t, parts, 1)
	assert.Equal(t, "Hello", parts[0].Content)
}

func TestMergePartsKeepsIncompatibleTypesSeparate(t *testing.T) {
	parts := []ContentPart{{Type: PartText, Content: "answer", Index: 0}}
	parts = MergeParts(parts, []ContentPart{{Type: PartThinking, Content: "reasoning", Index: 0}})

	require.Len(t, parts, 2)
	assert.Equal(t, PartText, parts[0].Type)
	assert.Equal(t, PartThinking, parts[1].Type)
}

func TestToolCallStreamedArguments(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "write_file", Index: 0}

	tc = tc.AppendRaw(`{"path": "/a.txt",`)
	assert.Equal(t, ToolCallStreaming, tc.Status)
	assert.False(t, tc.ArgumentsComplete())

	tc = tc.AppendRaw(` "content": "v1"}`)
	assert.Equal(t, ToolCallComplete, tc.Status)
	require.True(t, tc.ArgumentsComplete())
	assert.Equal(t, "/a.txt", tc.Args["path"])
	assert.Equal(t, "v1", tc.Args["content"])
}

func TestToolCallEmptyArgumentsComplete(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "list_files"}
	assert.True(t, tc.ArgumentsComplete())
	assert.NotNil(t, tc.Args)
}

func TestApplyDeltaAccumulatesToolCall(t *testing.T) {
	var msg Message
	msg = ApplyDelta(msg, MessageDelta{Role: RoleAssistant, ToolCalls: []ToolCall{
		{ID: "call_A", Name: "write_file", Index: 0, RawArgs: `{"path":`},
	}})
	msg = ApplyDelta(msg, MessageDelta{ToolCalls: []ToolCall{
		{Index: 0, RawArgs: `"/b.txt"}`},
	}})
	msg = ApplyDelta(msg, MessageDelta{Status: StatusComplete, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_A", msg.ToolCalls[0].ID)
	assert.Equal(t, ToolCallComplete, msg.ToolCalls[0].Status)
	assert.Equal(t, "/b.txt", msg.ToolCalls[0].Args["path"])
	assert.Equal(t, StatusComplete, msg.Status)

	usage, ok := msg.Metadata[UsageMetadataKey].(TokenUsage)
	require.True(t, ok)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestValidateDecisions(t *testing.T) {
	data := &InterruptData{
		ActionRequests: []ActionRequest{
			{ToolCallID: "A", ToolName: "write_file", Arguments: map[string]any{"path": "/a.txt"}},
			{ToolCallID: "B", ToolName: "delete_file"},
		},
		HITLToolCallIDs: []string{"A", "B"},
		ReviewConfigs: map[string]ReviewConfig{
			"delete_file": {AllowedDecisions: []DecisionKind{DecisionApprove, DecisionReject}},
		},
	}

	t.Run("length mismatch", func(t *testing.T) {
		err := data.ValidateDecisions([]Decision{Approve()})
		assert.Error(t, err)
	})

	t.Run("disallowed kind", func(t *testing.T) {
		err := data.ValidateDecisions([]Decision{Approve(), Edit(map[string]any{"path": "/x"})})
		assert.Error(t, err)
	})

	t.Run("edit without arguments", func(t *testing.T) {
		err := data.ValidateDecisions([]Decision{{Kind: DecisionEdit}, Approve()})
		assert.Error(t, err)
	})

	t.Run("valid vector", func(t *testing.T) {
		err := data.ValidateDecisions([]Decision{Edit(map[string]any{"path": "/b.txt"}), Reject()})
		assert.NoError(t, err)
	})
}

func TestTodoValidate(t *testing.T) {
	assert.NoError(t, Todo{ID: "1", Content: "write tests", Status: TodoPending}.Validate())
	assert.Error(t, Todo{ID: "", Content: "x", Status: TodoPending}.Validate())
	assert.Error(t, Todo{ID: "1", Content: "", Status: TodoPending}.Validate())
	assert.Error(t, Todo{ID: "1", Content: "x", Status: TodoStatus("done")}.Validate())
}

func TestToolResultProcessedContentNotSerialized(t *testing.T) {
	res := ToolResult{ToolCallID: "1", Content: "ok", ProcessedContent: map[string]any{"secret": true}}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
