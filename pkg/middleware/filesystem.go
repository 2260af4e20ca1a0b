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

package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/hive/pkg/extract"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

const FileSystemID = "filesystem"

const fileSystemPrompt = `## Files

You have a private virtual filesystem. Use write_file to store results,
notes, or artifacts, read_file to read them back, list_files to see what
exists, and delete_file to clean up. Paths are plain strings; there is no
directory hierarchy beyond what you encode in the path.`

// FileSystemConfig tunes the filesystem middleware.
type FileSystemConfig struct {
	// MaxFileSize caps write_file content bytes.
	MaxFileSize int `mapstructure:"max_file_size"`

	// MaxReadSize caps the bytes returned to the model from read_file.
	MaxReadSize int `mapstructure:"max_read_size"`
}

// FileSystem exposes the agent's virtual filesystem as tools. Reads of
// binary document formats (pdf, docx, xlsx) are routed through the content
// extractors so the model receives text.
type FileSystem struct {
	config     FileSystemConfig
	extractors *extract.Registry
}

// NewFileSystem builds the middleware from a loose options map.
func NewFileSystem(opts map[string]any) (*FileSystem, error) {
	cfg := FileSystemConfig{
		MaxFileSize: 1 << 20,
		MaxReadSize: 256 << 10,
	}
	if err := DecodeConfig(opts, &cfg); err != nil {
		return nil, err
	}
	return &FileSystem{
		config:     cfg,
		extractors: extract.NewRegistry(),
	}, nil
}

func (f *FileSystem) ID() string { return FileSystemID }

func (f *FileSystem) SystemPrompt() []string { return []string{fileSystemPrompt} }

func (f *FileSystem) Tools() []tool.Spec {
	return []tool.Spec{
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the agent filesystem.",
			Parameters: []tool.FunctionParam{
				{Name: "path", Type: tool.TypeString, Description: "File path", Required: true},
				{Name: "content", Type: tool.TypeString, Description: "Content to write", Required: true},
				{Name: "persistent", Type: tool.TypeBoolean, Description: "Persist the file to the configured backend"},
			},
			Handler: f.writeFile,
		},
		{
			Name:        "read_file",
			Description: "Read a file from the agent filesystem. Binary documents (pdf, docx, xlsx) are converted to text.",
			Parameters: []tool.FunctionParam{
				{Name: "path", Type: tool.TypeString, Description: "File path", Required: true},
			},
			Handler: f.readFile,
		},
		{
			Name:        "list_files",
			Description: "List all files in the agent filesystem.",
			Handler:     f.listFiles,
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the agent filesystem.",
			Parameters: []tool.FunctionParam{
				{Name: "path", Type: tool.TypeString, Description: "File path", Required: true},
			},
			Handler: f.deleteFile,
		},
	}
}

func (f *FileSystem) writeFile(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	if tc.Files == nil {
		return protocol.ToolResult{}, fmt.Errorf("no filesystem attached")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return protocol.ToolResult{}, fmt.Errorf("path is required")
	}
	if len(content) > f.config.MaxFileSize {
		return protocol.ToolResult{}, fmt.Errorf("content too large: %d bytes (max %d)", len(content), f.config.MaxFileSize)
	}

	var opts []tool.WriteOption
	if persistent, _ := args["persistent"].(bool); persistent {
		opts = append(opts, tool.WithPersistent())
	}

	meta, err := tc.Files.WriteFile(ctx, path, []byte(content), opts...)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("write %s: %w", path, err)
	}

	res := protocol.NewToolResult("", fmt.Sprintf("Wrote %s (%d bytes)", path, len(content)))
	res.ProcessedContent = state.State{FilesIndex: map[string]state.FileMeta{path: meta}}
	return res, nil
}

func (f *FileSystem) readFile(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	if tc.Files == nil {
		return protocol.ToolResult{}, fmt.Errorf("no filesystem attached")
	}
	path, _ := args["path"].(string)
	if path == "" {
		return protocol.ToolResult{}, fmt.Errorf("path is required")
	}

	content, meta, err := tc.Files.ReadFile(ctx, path)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	if text, handled, err := f.extractors.Extract(ctx, path, content); handled {
		if err != nil {
			return protocol.ToolResult{}, fmt.Errorf("extract %s: %w", path, err)
		}
		content = []byte(text)
	} else if !readableAsText(meta.MimeType) {
		return protocol.NewToolResult("", fmt.Sprintf("%s is binary (%s, %d bytes); no text extractor available", path, meta.MimeType, len(content))), nil
	}

	if len(content) > f.config.MaxReadSize {
		content = append(content[:f.config.MaxReadSize], []byte("\n... (truncated)")...)
	}
	return protocol.NewToolResult("", string(content)), nil
}

func (f *FileSystem) listFiles(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	if tc.Files == nil {
		return protocol.ToolResult{}, fmt.Errorf("no filesystem attached")
	}
	metas, err := tc.Files.ListFiles(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	if len(metas) == 0 {
		return protocol.NewToolResult("", "No files."), nil
	}

	var b strings.Builder
	for _, meta := range metas {
		flag := ""
		if meta.Persistent {
			flag = " [persistent]"
		}
		fmt.Fprintf(&b, "%s (%s, %d bytes)%s\n", meta.Path, meta.MimeType, meta.Size, flag)
	}
	return protocol.NewToolResult("", strings.TrimRight(b.String(), "\n")), nil
}

func (f *FileSystem) deleteFile(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
	if tc.Files == nil {
		return protocol.ToolResult{}, fmt.Errorf("no filesystem attached")
	}
	path, _ := args["path"].(string)
	if path == "" {
		return protocol.ToolResult{}, fmt.Errorf("path is required")
	}
	if err := tc.Files.DeleteFile(ctx, path); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("delete %s: %w", path, err)
	}
	return protocol.NewToolResult("", fmt.Sprintf("Deleted %s", path)), nil
}

func readableAsText(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch {
	case strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "yaml"),
		strings.Contains(mimeType, "javascript"),
		strings.Contains(mimeType, "x-sh"):
		return true
	}
	return false
}
