package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/protocol"
)

func TestParseInterruptOn(t *testing.T) {
	rules, err := ParseInterruptOn(map[string]any{
		"delete_file": true,
		"read_file":   false,
		"write_file":  map[string]any{"allowed_decisions": []any{"approve", "reject"}},
	})
	require.NoError(t, err)

	assert.Contains(t, rules, "delete_file")
	assert.NotContains(t, rules, "read_file")
	assert.Equal(t,
		[]protocol.DecisionKind{protocol.DecisionApprove, protocol.DecisionReject},
		rules["write_file"].AllowedDecisions)
}

func TestParseInterruptOnRejectsBadConfig(t *testing.T) {
	_, err := ParseInterruptOn(map[string]any{"x": 42})
	assert.Error(t, err)

	_, err = ParseInterruptOn(map[string]any{"x": map[string]any{"allowed_decisions": []any{"shrug"}}})
	assert.Error(t, err)

	_, err = ParseInterruptOn(map[string]any{"x": map[string]any{"other": true}})
	assert.Error(t, err)
}

func TestHITLCheck(t *testing.T) {
	hitl, err := NewHumanInTheLoop(map[string]any{
		"delete_file": true,
		"write_file":  map[string]any{"allowed_decisions": []any{"approve", "reject"}},
	})
	require.NoError(t, err)

	calls := []protocol.ToolCall{
		protocol.NewToolCall("c1", "read_file", map[string]any{"path": "a"}),
		protocol.NewToolCall("c2", "delete_file", map[string]any{"path": "b"}),
		protocol.NewToolCall("c3", "write_file", map[string]any{"path": "c"}),
	}

	data := hitl.Check(calls)
	require.NotNil(t, data)
	require.Len(t, data.ActionRequests, 2)
	assert.Equal(t, "c2", data.ActionRequests[0].ToolCallID)
	assert.Equal(t, "c3", data.ActionRequests[1].ToolCallID)
	assert.Equal(t, []string{"c2", "c3"}, data.HITLToolCallIDs)

	rc := data.ReviewConfigs["write_file"]
	assert.False(t, rc.Allows(protocol.DecisionEdit))
	assert.True(t, rc.Allows(protocol.DecisionApprove))
}

func TestHITLCheckNoGatedCalls(t *testing.T) {
	hitl, err := NewHumanInTheLoop(map[string]any{"delete_file": true})
	require.NoError(t, err)

	data := hitl.Check([]protocol.ToolCall{
		protocol.NewToolCall("c1", "read_file", nil),
	})
	assert.Nil(t, data)

	assert.Nil(t, hitl.Check(nil))
}

func TestHITLGated(t *testing.T) {
	hitl, err := NewHumanInTheLoop(map[string]any{"delete_file": true})
	require.NoError(t, err)

	assert.True(t, hitl.Gated("delete_file"))
	assert.False(t, hitl.Gated("read_file"))
}
