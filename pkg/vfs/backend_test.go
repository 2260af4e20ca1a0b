package vfs

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, "/workspace/a.txt", []byte("alpha")))
	require.NoError(t, backend.Write(ctx, "/workspace/nested/b.txt", []byte("beta")))

	content, err := backend.Read(ctx, "/workspace/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(content))

	paths, err := backend.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/workspace/a.txt", "/workspace/nested/b.txt"}, paths)

	require.NoError(t, backend.Delete(ctx, "/workspace/a.txt"))
	_, err = backend.Read(ctx, "/workspace/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent path is not an error.
	assert.NoError(t, backend.Delete(ctx, "/workspace/a.txt"))
}

func TestDiskBackendRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	backend, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	err = backend.Write(ctx, "/../outside.txt", []byte("x"))
	assert.Error(t, err)
}

func TestSQLBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	backend, err := NewSQLBackend(db, DialectSQLite, "agent_1")
	require.NoError(t, err)
	require.NoError(t, backend.EnsureSchema(ctx))

	require.NoError(t, backend.Write(ctx, "/workspace/a.txt", []byte("v1")))
	require.NoError(t, backend.Write(ctx, "/workspace/a.txt", []byte("v2")))
	require.NoError(t, backend.Write(ctx, "/workspace/b.txt", []byte("bee")))

	content, err := backend.Read(ctx, "/workspace/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	paths, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/workspace/a.txt", "/workspace/b.txt"}, paths)

	require.NoError(t, backend.Delete(ctx, "/workspace/a.txt"))
	_, err = backend.Read(ctx, "/workspace/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLBackendIsolatesAgents(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	b1, err := NewSQLBackend(db, DialectSQLite, "agent_1")
	require.NoError(t, err)
	require.NoError(t, b1.EnsureSchema(ctx))
	b2, err := NewSQLBackend(db, DialectSQLite, "agent_2")
	require.NoError(t, err)

	require.NoError(t, b1.Write(ctx, "/shared.txt", []byte("mine")))

	_, err = b2.Read(ctx, "/shared.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSQLBackendValidatesInputs(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLBackend(db, Dialect("oracle"), "agent_1")
	assert.Error(t, err)

	_, err = NewSQLBackend(db, DialectSQLite, "")
	assert.Error(t, err)
}
