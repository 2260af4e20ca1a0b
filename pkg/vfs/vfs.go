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

// Package vfs is the per-agent virtual filesystem process. A single
// goroutine owns all entries and serializes every operation through a
// mailbox channel, so callers never race on entry state. Files under a
// registered base directory are persisted write-through to that
// directory's backend, coalesced by a per-path debounce timer.
//
// The VFS outlives agent-server crashes: it is started and supervised
// separately, and persisted entries are the fallback truth on Reset.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

var (
	// ErrNotFound reports a missing path, in memory and in the backend.
	ErrNotFound = errors.New("vfs: file not found")

	// ErrDuplicateBaseDirectory reports a second registration for the
	// same base directory.
	ErrDuplicateBaseDirectory = errors.New("vfs: base directory already registered")

	// ErrClosed reports an operation on a terminated VFS.
	ErrClosed = errors.New("vfs: closed")
)

// DefaultDebounce is the persist coalescing window used when a
// PersistenceConfig does not set one.
const DefaultDebounce = 500 * time.Millisecond

// PersistenceConfig binds a backend to a base directory.
type PersistenceConfig struct {
	BaseDirectory string
	Backend       Backend
	Debounce      time.Duration
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Files      int `json:"files"`
	Loaded     int `json:"loaded"`
	Dirty      int `json:"dirty"`
	Persistent int `json:"persistent"`
	Bytes      int `json:"bytes"`
}

type entry struct {
	meta    state.FileMeta
	content []byte
	loaded  bool
	dirty   bool
	timer   *time.Timer
}

type mount struct {
	config  PersistenceConfig
	watcher func() error
}

// FS is the public handle on one agent's virtual filesystem process.
// It implements tool.FileStore.
type FS struct {
	agentID string
	logger  *slog.Logger

	reqs chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	// Loop-owned. Only the run goroutine touches these.
	entries map[string]*entry
	mounts  map[string]*mount
}

var _ tool.FileStore = (*FS)(nil)

// Option configures an FS.
type Option func(*FS)

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FS) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New starts the filesystem process for the given agent.
func New(agentID string, opts ...Option) *FS {
	f := &FS{
		agentID: agentID,
		logger:  slog.Default(),
		reqs:    make(chan func(), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
		mounts:  make(map[string]*mount),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "vfs", "agent_id", agentID)
	go f.run()
	return f
}

func (f *FS) run() {
	defer close(f.done)
	for {
		select {
		case req := <-f.reqs:
			req()
		case <-f.quit:
			// Drain requests already queued, then flush dirty entries.
			for {
				select {
				case req := <-f.reqs:
					req()
				default:
					f.flushAll(context.Background())
					f.stopWatchers()
					return
				}
			}
		}
	}
}

// call runs fn inside the process goroutine and waits for it.
func (f *FS) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case f.reqs <- wrapped:
	case <-f.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-f.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn inside the process goroutine without waiting. Used by timer
// and watcher callbacks.
func (f *FS) post(fn func()) {
	select {
	case f.reqs <- fn:
	case <-f.done:
	}
}

// Close terminates the process, flushing all dirty entries first.
func (f *FS) Close() error {
	f.closeOnce.Do(func() { close(f.quit) })
	<-f.done
	return nil
}

// WriteFile upserts the entry and schedules debounced persistence when the
// path falls under a registered base directory.
func (f *FS) WriteFile(ctx context.Context, p string, content []byte, opts ...tool.WriteOption) (state.FileMeta, error) {
	var options tool.WriteOptions
	for _, opt := range opts {
		opt(&options)
	}

	var meta state.FileMeta
	err := f.call(ctx, func() {
		now := time.Now().UTC()
		e, ok := f.entries[p]
		if !ok {
			e = &entry{meta: state.FileMeta{Path: p, CreatedAt: now}}
			f.entries[p] = e
		}
		e.content = append([]byte(nil), content...)
		e.loaded = true
		e.meta.ModifiedAt = now
		e.meta.Size = len(content)
		if options.MimeType != "" {
			e.meta.MimeType = options.MimeType
		} else if e.meta.MimeType == "" {
			e.meta.MimeType = detectMime(p, content)
		}

		if m := f.mountFor(p); m != nil {
			e.meta.Persistent = true
			e.meta.BaseDirectory = m.config.BaseDirectory
			e.dirty = true
			f.scheduleFlush(e, m)
		} else if options.Persistent {
			e.meta.Persistent = true
		}
		meta = e.meta
	})
	return meta, err
}

// ReadFile returns the entry's content, lazily loading persistent entries
// from their backend on first read.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, state.FileMeta, error) {
	var (
		content []byte
		meta    state.FileMeta
		opErr   error
	)
	err := f.call(ctx, func() {
		e, ok := f.entries[p]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrNotFound, p)
			return
		}
		if !e.loaded {
			m := f.mountFor(p)
			if m == nil {
				opErr = fmt.Errorf("%w: %s", ErrNotFound, p)
				return
			}
			data, err := m.config.Backend.Read(ctx, p)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					opErr = fmt.Errorf("%w: %s", ErrNotFound, p)
				} else {
					opErr = fmt.Errorf("vfs: backend read %s: %w", p, err)
				}
				return
			}
			e.content = data
			e.loaded = true
			e.meta.Size = len(data)
			if e.meta.MimeType == "" {
				e.meta.MimeType = detectMime(p, data)
			}
		}
		content = append([]byte(nil), e.content...)
		meta = e.meta
	})
	if err != nil {
		return nil, state.FileMeta{}, err
	}
	return content, meta, opErr
}

// DeleteFile removes the entry. Persistent entries are deleted from the
// backend immediately, skipping any pending debounce.
func (f *FS) DeleteFile(ctx context.Context, p string) error {
	var opErr error
	err := f.call(ctx, func() {
		e, ok := f.entries[p]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrNotFound, p)
			return
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(f.entries, p)
		if m := f.mountFor(p); m != nil && e.meta.Persistent {
			if err := m.config.Backend.Delete(ctx, p); err != nil {
				opErr = fmt.Errorf("vfs: backend delete %s: %w", p, err)
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListFiles returns metadata for every known entry, loaded or not, sorted
// by path.
func (f *FS) ListFiles(ctx context.Context) ([]state.FileMeta, error) {
	var metas []state.FileMeta
	err := f.call(ctx, func() {
		metas = make([]state.FileMeta, 0, len(f.entries))
		for _, e := range f.entries {
			metas = append(metas, e.meta)
		}
		sort.Slice(metas, func(i, j int) bool { return metas[i].Path < metas[j].Path })
	})
	return metas, err
}

// Exists reports whether a path is known.
func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	var ok bool
	err := f.call(ctx, func() {
		_, ok = f.entries[p]
	})
	return ok, err
}

// Stats summarises the store.
func (f *FS) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := f.call(ctx, func() {
		for _, e := range f.entries {
			s.Files++
			if e.loaded {
				s.Loaded++
				s.Bytes += len(e.content)
			}
			if e.dirty {
				s.Dirty++
			}
			if e.meta.Persistent {
				s.Persistent++
			}
		}
	})
	return s, err
}

// FlushAll persists every dirty entry now, cancelling pending timers.
func (f *FS) FlushAll(ctx context.Context) error {
	return f.call(ctx, func() { f.flushAll(ctx) })
}

// Reset drops memory-only files and unloads in-memory modifications to
// persisted files; backend content is untouched and remains the fallback
// truth.
func (f *FS) Reset(ctx context.Context) error {
	return f.call(ctx, func() {
		for p, e := range f.entries {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			if !e.meta.Persistent {
				delete(f.entries, p)
				continue
			}
			e.content = nil
			e.loaded = false
			e.dirty = false
			e.meta.Size = 0
		}
	})
}

// RegisterPersistence mounts a backend at a base directory.
func (f *FS) RegisterPersistence(ctx context.Context, cfg PersistenceConfig) error {
	if cfg.BaseDirectory == "" || cfg.Backend == nil {
		return fmt.Errorf("vfs: persistence config requires base directory and backend")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	cfg.BaseDirectory = strings.TrimSuffix(cfg.BaseDirectory, "/")

	var opErr error
	err := f.call(ctx, func() {
		if _, exists := f.mounts[cfg.BaseDirectory]; exists {
			opErr = fmt.Errorf("%w: %s", ErrDuplicateBaseDirectory, cfg.BaseDirectory)
			return
		}
		m := &mount{config: cfg}
		f.mounts[cfg.BaseDirectory] = m

		if w, ok := cfg.Backend.(WatchableBackend); ok {
			stop, err := w.Watch(func(changed string) { f.post(func() { f.invalidate(changed) }) })
			if err != nil {
				f.logger.Warn("backend watch unavailable", "base_directory", cfg.BaseDirectory, "error", err)
			} else {
				m.watcher = stop
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// RegisterFiles pre-populates entry metadata without content, typically
// during a state restore. Entries arrive unloaded.
func (f *FS) RegisterFiles(ctx context.Context, metas []state.FileMeta) error {
	return f.call(ctx, func() {
		for _, meta := range metas {
			if meta.Path == "" {
				continue
			}
			if _, exists := f.entries[meta.Path]; exists {
				continue
			}
			f.entries[meta.Path] = &entry{meta: meta}
		}
	})
}

// AgentID returns the owning agent's id.
func (f *FS) AgentID() string { return f.agentID }

// --- loop-side helpers -------------------------------------------------

func (f *FS) mountFor(p string) *mount {
	var best *mount
	for base, m := range f.mounts {
		if p == base || strings.HasPrefix(p, base+"/") {
			if best == nil || len(base) > len(best.config.BaseDirectory) {
				best = m
			}
		}
	}
	return best
}

func (f *FS) scheduleFlush(e *entry, m *mount) {
	if e.timer != nil {
		e.timer.Stop()
	}
	p := e.meta.Path
	e.timer = time.AfterFunc(m.config.Debounce, func() {
		f.post(func() { f.flushPath(context.Background(), p) })
	})
}

func (f *FS) flushPath(ctx context.Context, p string) {
	e, ok := f.entries[p]
	if !ok || !e.dirty {
		return
	}
	m := f.mountFor(p)
	if m == nil {
		return
	}
	if err := m.config.Backend.Write(ctx, p, e.content); err != nil {
		// Entry stays dirty; the next write or FlushAll retries.
		f.logger.Error("backend write failed", "path", p, "error", err)
		return
	}
	e.dirty = false
}

func (f *FS) flushAll(ctx context.Context) {
	for p, e := range f.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.dirty {
			f.flushPath(ctx, p)
		}
	}
}

// invalidate marks a path unloaded after an external backend change, so the
// next read fetches fresh content.
func (f *FS) invalidate(p string) {
	e, ok := f.entries[p]
	if !ok || e.dirty {
		// Local unflushed modifications win over external changes.
		return
	}
	e.content = nil
	e.loaded = false
}

func (f *FS) stopWatchers() {
	for _, m := range f.mounts {
		if m.watcher != nil {
			if err := m.watcher(); err != nil {
				f.logger.Warn("watcher stop failed", "base_directory", m.config.BaseDirectory, "error", err)
			}
		}
	}
}

func detectMime(p string, content []byte) string {
	if mt := mime.TypeByExtension(path.Ext(p)); mt != "" {
		return mt
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}
