package functiontool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/tool"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=10"`
}

func TestNewGeneratesSchemaFromTags(t *testing.T) {
	spec, err := New(
		Config{Name: "search", Description: "Search files"},
		func(ctx context.Context, tc *tool.Context, args searchArgs) (string, error) {
			return "", nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	schema := spec.ParametersSchema()
	assert.Equal(t, "object", schema["type"])

	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "query")
	require.Contains(t, props, "limit")

	query := props["query"].(map[string]any)
	assert.Equal(t, "Search query", query["description"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "query")
	assert.NotContains(t, required, "limit")
}

func TestHandlerDecodesTypedArguments(t *testing.T) {
	spec := MustNew(
		Config{Name: "search", Description: "Search files"},
		func(ctx context.Context, tc *tool.Context, args searchArgs) (string, error) {
			return fmt.Sprintf("%s:%d", args.Query, args.Limit), nil
		},
	)

	res, err := spec.Handler(context.Background(), &tool.Context{ToolCallID: "call_1"},
		map[string]any{"query": "report", "limit": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, "report:3", res.Content)
	assert.Equal(t, "call_1", res.ToolCallID)
}

func TestHandlerRejectsMalformedArguments(t *testing.T) {
	spec := MustNew(
		Config{Name: "search", Description: "Search files"},
		func(ctx context.Context, tc *tool.Context, args searchArgs) (string, error) {
			return "", nil
		},
	)

	_, err := spec.Handler(context.Background(), &tool.Context{},
		map[string]any{"limit": "three"})
	assert.Error(t, err)
}

func TestNewRequiresNameAndDescription(t *testing.T) {
	fn := func(ctx context.Context, tc *tool.Context, args searchArgs) (string, error) { return "", nil }

	_, err := New(Config{Description: "x"}, fn)
	assert.Error(t, err)

	_, err = New(Config{Name: "x"}, fn)
	assert.Error(t, err)
}
