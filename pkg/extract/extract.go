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

// Package extract turns binary document formats into plain text so file
// reads can hand the LLM something useful. Extractors work on in-memory
// content, since virtual files are not guaranteed to exist on disk.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// Extractor converts one document family to text.
type Extractor interface {
	// CanExtract reports whether the extractor handles the path.
	CanExtract(path string) bool

	// Extract returns the plain-text rendering of content.
	Extract(ctx context.Context, path string, content []byte) (string, error)

	// Extensions lists the file extensions handled, with leading dot.
	Extensions() []string
}

// Registry dispatches to the first extractor claiming a path.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry with the built-in pdf, docx, and xlsx
// extractors.
func NewRegistry() *Registry {
	return &Registry{
		extractors: []Extractor{
			&PDFExtractor{},
			&DocxExtractor{},
			&XlsxExtractor{},
		},
	}
}

// Register appends a custom extractor. Built-ins keep priority.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// Supports reports whether any extractor claims the path.
func (r *Registry) Supports(path string) bool {
	for _, e := range r.extractors {
		if e.CanExtract(path) {
			return true
		}
	}
	return false
}

// Extract converts content to text. The bool reports whether an extractor
// claimed the path at all; false means the caller should treat the content
// as plain text.
func (r *Registry) Extract(ctx context.Context, path string, content []byte) (string, bool, error) {
	for _, e := range r.extractors {
		if !e.CanExtract(path) {
			continue
		}
		text, err := e.Extract(ctx, path, content)
		if err != nil {
			return "", true, fmt.Errorf("extract %s: %w", path, err)
		}
		return text, true, nil
	}
	return "", false, nil
}

// PDFExtractor extracts page text from PDF documents.
type PDFExtractor struct{}

func (e *PDFExtractor) CanExtract(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

func (e *PDFExtractor) Extensions() []string { return []string{".pdf"} }

func (e *PDFExtractor) Extract(ctx context.Context, path string, content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// DocxExtractor extracts body text from Word documents.
type DocxExtractor struct{}

func (e *DocxExtractor) CanExtract(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".docx")
}

func (e *DocxExtractor) Extensions() []string { return []string{".docx"} }

func (e *DocxExtractor) Extract(ctx context.Context, path string, content []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

// XlsxExtractor renders spreadsheet cells as tab-separated text, one
// section per sheet.
type XlsxExtractor struct{}

// maxCells caps extraction so a huge sheet cannot flood the conversation.
const maxCells = 1000

func (e *XlsxExtractor) CanExtract(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xlsx")
}

func (e *XlsxExtractor) Extensions() []string { return []string{".xlsx"} }

func (e *XlsxExtractor) Extract(ctx context.Context, path string, content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse xlsx: %w", err)
	}
	defer f.Close()

	var out strings.Builder
	cells := 0
	for _, sheet := range f.GetSheetList() {
		fmt.Fprintf(&out, "--- Sheet: %s ---\n", sheet)
		rows, err := f.GetRows(sheet)
		if err != nil {
			fmt.Fprintf(&out, "error reading sheet: %v\n", err)
			continue
		}
		for _, row := range rows {
			if cells >= maxCells {
				out.WriteString("... (truncated)\n")
				return out.String(), nil
			}
			out.WriteString(strings.Join(row, "\t"))
			out.WriteString("\n")
			cells += len(row)
		}
	}
	return out.String(), nil
}
