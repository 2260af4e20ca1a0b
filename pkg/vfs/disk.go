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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DiskBackend stores virtual files under a root directory on the local
// filesystem. Writes are atomic: content lands in a temp file which is
// renamed over the target. It implements WatchableBackend, reporting
// external modifications via fsnotify.
type DiskBackend struct {
	root string
}

// NewDiskBackend creates the backend, making the root directory if needed.
func NewDiskBackend(root string) (*DiskBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("vfs: create root: %w", err)
	}
	return &DiskBackend{root: abs}, nil
}

// Root returns the backing directory.
func (b *DiskBackend) Root() string { return b.root }

func (b *DiskBackend) diskPath(path string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(path, "/"))
	full := filepath.Join(b.root, rel)
	if !strings.HasPrefix(full, b.root+string(filepath.Separator)) && full != b.root {
		return "", fmt.Errorf("vfs: path escapes root: %s", path)
	}
	return full, nil
}

func (b *DiskBackend) virtualPath(diskPath string) (string, bool) {
	rel, err := filepath.Rel(b.root, diskPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}

func (b *DiskBackend) Write(ctx context.Context, path string, content []byte) error {
	full, err := b.diskPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("vfs: create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".vfs-*")
	if err != nil {
		return fmt.Errorf("vfs: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vfs: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vfs: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vfs: rename into place: %w", err)
	}
	return nil
}

func (b *DiskBackend) Read(ctx context.Context, path string) ([]byte, error) {
	full, err := b.diskPath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("vfs: read %s: %w", path, err)
	}
	return content, nil
}

func (b *DiskBackend) Delete(ctx context.Context, path string) error {
	full, err := b.diskPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vfs: delete %s: %w", path, err)
	}
	return nil
}

func (b *DiskBackend) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".vfs-") {
			return nil
		}
		if vp, ok := b.virtualPath(p); ok {
			paths = append(paths, vp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vfs: list: %w", err)
	}
	return paths, nil
}

// Watch reports external writes and removals under the root. Directories
// created later are added to the watch as they appear.
func (b *DiskBackend) Watch(onChange func(path string)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("vfs: start watcher: %w", err)
	}

	if err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	}); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("vfs: watch root: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = watcher.Add(ev.Name)
						continue
					}
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".vfs-") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if vp, ok := b.virtualPath(ev.Name); ok {
						onChange(vp)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}
