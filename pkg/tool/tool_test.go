package tool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/protocol"
)

func TestSpecValidate(t *testing.T) {
	handler := func(ctx context.Context, tc *Context, args map[string]any) (protocol.ToolResult, error) {
		return protocol.NewToolResult("", "ok"), nil
	}

	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{
			name: "valid",
			spec: Spec{Name: "echo", Description: "echo input", Handler: handler},
		},
		{
			name:    "missing name",
			spec:    Spec{Description: "x", Handler: handler},
			wantErr: true,
		},
		{
			name:    "missing description",
			spec:    Spec{Name: "echo", Handler: handler},
			wantErr: true,
		},
		{
			name:    "missing handler",
			spec:    Spec{Name: "echo", Description: "x"},
			wantErr: true,
		},
		{
			name: "array param without item type",
			spec: Spec{Name: "echo", Description: "x", Handler: handler,
				Parameters: []FunctionParam{{Name: "ids", Type: TypeArray}}},
			wantErr: true,
		},
		{
			name: "unknown param type",
			spec: Spec{Name: "echo", Description: "x", Handler: handler,
				Parameters: []FunctionParam{{Name: "v", Type: ParamType("uuid")}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToParametersSchema(t *testing.T) {
	schema := ToParametersSchema([]FunctionParam{
		{Name: "path", Type: TypeString, Description: "file path", Required: true},
		{Name: "mode", Type: TypeString, Enum: []string{"append", "overwrite"}},
		{Name: "ids", Type: TypeArray, ItemType: TypeInteger},
		{Name: "meta", Type: TypeObject, ObjectProperties: []FunctionParam{
			{Name: "mime_type", Type: TypeString, Required: true},
		}},
	})

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"path"}, schema["required"])

	props := schema["properties"].(map[string]any)

	path := props["path"].(map[string]any)
	assert.Equal(t, "string", path["type"])
	assert.Equal(t, "file path", path["description"])

	mode := props["mode"].(map[string]any)
	assert.Equal(t, []string{"append", "overwrite"}, mode["enum"])

	ids := props["ids"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "integer"}, ids["items"])

	meta := props["meta"].(map[string]any)
	assert.Equal(t, []string{"mime_type"}, meta["required"])
}

func TestSpecDefinitionPrefersRawSchema(t *testing.T) {
	raw := map[string]any{"type": "object", "properties": map[string]any{}}
	s := Spec{
		Name:        "custom",
		Description: "custom schema",
		Parameters:  []FunctionParam{{Name: "ignored", Type: TypeString}},
		RawSchema:   raw,
	}

	def := s.Definition()
	assert.Equal(t, "custom", def.Name)
	assert.Equal(t, raw, def.Parameters)
}

func TestExecuteWrapsHandlerError(t *testing.T) {
	s := Spec{
		Name:        "boom",
		Description: "always fails",
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (protocol.ToolResult, error) {
			return protocol.ToolResult{}, fmt.Errorf("disk full")
		},
	}

	res, err := s.Execute(context.Background(), &Context{AgentID: "agent_1"}, protocol.NewToolCall("call_1", "boom", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "call_1", res.ToolCallID)
	assert.Contains(t, res.Content, "disk full")
}

func TestExecutePropagatesInterrupt(t *testing.T) {
	data := protocol.InterruptData{
		ActionRequests: []protocol.ActionRequest{{ToolCallID: "inner", ToolName: "delete_file"}},
	}
	s := Spec{
		Name:        "delegate",
		Description: "delegate to a sub-agent",
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (protocol.ToolResult, error) {
			return protocol.ToolResult{}, &InterruptError{Data: data}
		},
	}

	_, err := s.Execute(context.Background(), &Context{}, protocol.NewToolCall("call_2", "delegate", nil))
	var interrupt *InterruptError
	require.ErrorAs(t, err, &interrupt)
	assert.Equal(t, data, interrupt.Data)
}

func TestExecuteStampsToolCallID(t *testing.T) {
	s := Spec{
		Name:        "echo",
		Description: "echo input",
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (protocol.ToolResult, error) {
			require.Equal(t, "call_9", tc.ToolCallID)
			return protocol.NewToolResult("", fmt.Sprint(args["v"])), nil
		},
	}

	res, err := s.Execute(context.Background(), &Context{}, protocol.NewToolCall("call_9", "echo", map[string]any{"v": 42}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "call_9", res.ToolCallID)
	assert.Equal(t, "42", res.Content)
}
