package webtool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/tool"
)

func newSpec(t *testing.T, cfg Config) tool.Spec {
	t.Helper()
	spec, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())
	return spec
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestRequestRoundTrip(t *testing.T) {
	var gotMethod, gotBody, gotAgent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAgent = r.UserAgent()
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	spec := newSpec(t, Config{})
	res, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{
		"url":    ts.URL,
		"method": "post",
		"body":   `{"q":1}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, `{"q":1}`, gotBody)
	assert.Equal(t, "hive/0.1", gotAgent)
	assert.Contains(t, res.Content, "HTTP 200")
	assert.Contains(t, res.Content, `{"ok":true}`)
}

func TestDomainAllowList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	spec := newSpec(t, Config{AllowedDomains: []string{"example.com"}})
	_, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{"url": ts.URL})
	assert.ErrorContains(t, err, "not in the allow list")

	spec = newSpec(t, Config{AllowedDomains: []string{hostOf(t, ts.URL)}})
	res, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{"url": ts.URL})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestDomainDenyListWins(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	host := hostOf(t, ts.URL)
	spec := newSpec(t, Config{AllowedDomains: []string{host}, DeniedDomains: []string{host}})
	_, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{"url": ts.URL})
	assert.ErrorContains(t, err, "denied")
}

func TestSubdomainMatching(t *testing.T) {
	assert.True(t, matchDomain("api.example.com", "example.com"))
	assert.True(t, matchDomain("example.com", "example.com"))
	assert.False(t, matchDomain("notexample.com", "example.com"))
}

func TestResponseTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer ts.Close()

	spec := newSpec(t, Config{MaxResponseSize: 1024})
	res, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{"url": ts.URL})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[response truncated at 1024 bytes]")
}

func TestRejectsBadInput(t *testing.T) {
	spec := newSpec(t, Config{})

	_, err := spec.Handler(context.Background(), &tool.Context{}, map[string]any{"url": "ftp://example.com"})
	assert.ErrorContains(t, err, "unsupported scheme")

	spec = newSpec(t, Config{MaxRequestSize: 4, AllowedDomains: []string{"nowhere.invalid"}})
	_, err = spec.Handler(context.Background(), &tool.Context{}, map[string]any{
		"url":  "http://nowhere.invalid",
		"body": "12345",
	})
	assert.ErrorContains(t, err, "request body too large")
}

func TestSchemaExposesParameters(t *testing.T) {
	spec := newSpec(t, Config{})
	schema := spec.ParametersSchema()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "url")
	assert.Contains(t, props, "method")
	required, _ := schema["required"].([]any)
	assert.Contains(t, required, "url")
}
