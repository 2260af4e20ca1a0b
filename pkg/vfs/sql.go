// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Dialect selects the SQL flavour for placeholders and upserts.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// SQLBackend stores virtual files in a vfs_files table keyed by
// (agent_id, path). Supported drivers: mattn/go-sqlite3, lib/pq,
// go-sql-driver/mysql.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	agentID string
}

// NewSQLBackend wraps an open database handle. The caller owns the handle's
// lifecycle.
func NewSQLBackend(db *sql.DB, dialect Dialect, agentID string) (*SQLBackend, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("vfs: unsupported sql dialect %q", dialect)
	}
	if agentID == "" {
		return nil, fmt.Errorf("vfs: sql backend requires agent id")
	}
	return &SQLBackend{db: db, dialect: dialect, agentID: agentID}, nil
}

// EnsureSchema creates the vfs_files table when absent.
func (b *SQLBackend) EnsureSchema(ctx context.Context) error {
	blobType := "BLOB"
	if b.dialect == DialectPostgres {
		blobType = "BYTEA"
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vfs_files (
			agent_id   VARCHAR(128) NOT NULL,
			path       VARCHAR(512) NOT NULL,
			content    %s,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_id, path)
		)`, blobType))
	if err != nil {
		return fmt.Errorf("vfs: ensure schema: %w", err)
	}
	return nil
}

func (b *SQLBackend) Write(ctx context.Context, path string, content []byte) error {
	var query string
	switch b.dialect {
	case DialectPostgres:
		query = `INSERT INTO vfs_files (agent_id, path, content, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id, path)
			DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`
	case DialectMySQL:
		query = `INSERT INTO vfs_files (agent_id, path, content, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE content = VALUES(content), updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO vfs_files (agent_id, path, content, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (agent_id, path)
			DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`
	}

	if _, err := b.db.ExecContext(ctx, query, b.agentID, path, content, time.Now().UTC()); err != nil {
		return fmt.Errorf("vfs: sql write %s: %w", path, err)
	}
	return nil
}

func (b *SQLBackend) Read(ctx context.Context, path string) ([]byte, error) {
	query := `SELECT content FROM vfs_files WHERE agent_id = ? AND path = ?`
	if b.dialect == DialectPostgres {
		query = `SELECT content FROM vfs_files WHERE agent_id = $1 AND path = $2`
	}

	var content []byte
	err := b.db.QueryRowContext(ctx, query, b.agentID, path).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("vfs: sql read %s: %w", path, err)
	}
	return content, nil
}

func (b *SQLBackend) Delete(ctx context.Context, path string) error {
	query := `DELETE FROM vfs_files WHERE agent_id = ? AND path = ?`
	if b.dialect == DialectPostgres {
		query = `DELETE FROM vfs_files WHERE agent_id = $1 AND path = $2`
	}

	if _, err := b.db.ExecContext(ctx, query, b.agentID, path); err != nil {
		return fmt.Errorf("vfs: sql delete %s: %w", path, err)
	}
	return nil
}

func (b *SQLBackend) List(ctx context.Context) ([]string, error) {
	query := `SELECT path FROM vfs_files WHERE agent_id = ? ORDER BY path`
	if b.dialect == DialectPostgres {
		query = `SELECT path FROM vfs_files WHERE agent_id = $1 ORDER BY path`
	}

	rows, err := b.db.QueryContext(ctx, query, b.agentID)
	if err != nil {
		return nil, fmt.Errorf("vfs: sql list: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("vfs: sql list scan: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
