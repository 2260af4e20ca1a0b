package mcptoolset

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/tool"
)

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"stdio with command", Config{Name: "a", Transport: "stdio", Command: "server"}, true},
		{"stdio without command", Config{Name: "a", Transport: "stdio"}, false},
		{"http with url", Config{Name: "a", Transport: "http", URL: "http://localhost"}, true},
		{"http without url", Config{Name: "a", Transport: "http"}, false},
		{"inferred", Config{Name: "a", URL: "http://localhost"}, true},
		{"nothing", Config{Name: "a"}, false},
		{"bad transport", Config{Name: "a", Transport: "carrier-pigeon", URL: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTransportInference(t *testing.T) {
	ts, err := New(Config{Name: "a", Command: "server"})
	require.NoError(t, err)
	assert.Equal(t, "stdio", ts.transport())

	ts, err = New(Config{Name: "a", URL: "http://localhost"})
	require.NoError(t, err)
	assert.Equal(t, "http", ts.transport())
}

func TestToResult(t *testing.T) {
	res := toResult(&mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "one"},
		mcp.TextContent{Type: "text", Text: "two"},
	}})
	assert.False(t, res.IsError)
	assert.Equal(t, "one\ntwo", res.Content)

	res = toResult(&mcp.CallToolResult{IsError: true, Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "boom"},
	}})
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", res.Content)

	res = toResult(&mcp.CallToolResult{IsError: true})
	assert.Equal(t, "unknown error", res.Content)
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mcpServer := server.NewMCPServer("test", "1.0.0")
	mcpServer.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echoes the input back."),
			mcp.WithString("text", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)
	mcpServer.AddTool(
		mcp.NewTool("fail", mcp.WithDescription("Always fails.")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("always fails"), nil
		},
	)

	ts := httptest.NewServer(server.NewStreamableHTTPServer(mcpServer))
	t.Cleanup(ts.Close)
	return ts
}

func TestSpecsAgainstLiveServer(t *testing.T) {
	ts := newEchoServer(t)

	toolset, err := New(Config{Name: "test", Transport: "http", URL: ts.URL})
	require.NoError(t, err)
	defer toolset.Close()

	specs, err := toolset.Specs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 2)

	byName := map[string]tool.Spec{}
	for _, s := range specs {
		require.NoError(t, s.Validate())
		byName[s.Name] = s
	}

	echo := byName["echo"]
	assert.Equal(t, "Echoes the input back.", echo.Description)
	schema := echo.ParametersSchema()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")

	res, err := echo.Handler(context.Background(), &tool.Context{}, map[string]any{"text": "ping"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "echo: ping", res.Content)

	res, err = byName["fail"].Handler(context.Background(), &tool.Context{}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "always fails", res.Content)
}

func TestIncludeToolsFilter(t *testing.T) {
	ts := newEchoServer(t)

	toolset, err := New(Config{Name: "test", Transport: "http", URL: ts.URL, IncludeTools: []string{"echo"}})
	require.NoError(t, err)
	defer toolset.Close()

	specs, err := toolset.Specs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "echo", specs[0].Name)
}

func TestCallBeforeConnect(t *testing.T) {
	toolset, err := New(Config{Name: "test", Transport: "http", URL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = toolset.call(context.Background(), "echo", nil)
	assert.ErrorContains(t, err, "not connected")
}
