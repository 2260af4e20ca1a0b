package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/config/provider"
)

const sampleConfig = `
logging:
  level: debug
llms:
  main:
    type: anthropic
    model: claude-sonnet-4-20250514
    api_key: ${TEST_API_KEY}
agents:
  coder:
    llm: main
    system_prompt: "You write code."
    interrupt_on:
      delete_file: true
    inactivity_timeout: 5m
    persistence:
      - type: sqlite
        dsn: file:test.db
ops:
  enabled: true
`

func TestParseExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "sk-test-123", cfg.LLMs["main"].APIKey)
	assert.Equal(t, ":8080", cfg.Ops.Addr)

	agent := cfg.Agents["coder"]
	assert.Equal(t, "coder", agent.Name)
	assert.Equal(t, 5*time.Minute, agent.InactivityTimeout)
	assert.Equal(t, 100*time.Millisecond, agent.ShutdownDelay)
	require.Len(t, agent.Persistence, 1)
	assert.Equal(t, "sqlite", agent.Persistence[0].Type)
	assert.Equal(t, true, agent.InterruptOn["delete_file"])
}

func TestParseEnvDefaultFallback(t *testing.T) {
	os.Unsetenv("MISSING_HOST")
	cfg, err := Parse([]byte(`
llms:
  main:
    type: openai
    model: gpt-4o
    host: ${MISSING_HOST:-https://api.openai.com}
`))
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com", cfg.LLMs["main"].Host)
}

func TestValidateRejectsBrokenReferences(t *testing.T) {
	_, err := Parse([]byte(`
llms:
  main:
    type: anthropic
    model: m
agents:
  a:
    llm: nope
`))
	assert.ErrorContains(t, err, "unknown llm")

	_, err = Parse([]byte(`
llms:
  main:
    type: anthropic
agents: {}
`))
	assert.ErrorContains(t, err, "model is required")

	_, err = Parse([]byte(`
llms:
  main:
    type: anthropic
    model: m
agents:
  a:
    llm: main
    persistence:
      - type: sqlite
`))
	assert.ErrorContains(t, err, "dsn is required")

	_, err = Parse([]byte(`
mcp_servers:
  files:
    transport: stdio
`))
	assert.ErrorContains(t, err, "command is required")
}

func TestFileProviderLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer p.Close()

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), "level: info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	select {
	case _, ok := <-ch:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("file change never signalled")
	}
}

func TestLoaderReloadInvokesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) { reloaded <- cfg }))
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o644))

	select {
	case next := <-reloaded:
		assert.Equal(t, "error", next.Logging.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestLoaderKeepsPreviousOnBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) { reloaded <- cfg }))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("broken config must not reach onChange")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestParseTypeVariants(t *testing.T) {
	for in, want := range map[string]provider.Type{
		"":          provider.TypeFile,
		"file":      provider.TypeFile,
		"consul":    provider.TypeConsul,
		"etcd":      provider.TypeEtcd,
		"zookeeper": provider.TypeZookeeper,
		"zk":        provider.TypeZookeeper,
	} {
		got, err := provider.ParseType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := provider.ParseType("carrier-pigeon")
	assert.Error(t, err)
}
