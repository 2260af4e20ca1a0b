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

package protocol

// PartType discriminates content part variants.
type PartType string

const (
	PartText             PartType = "text"
	PartImage            PartType = "image"
	PartImageURL         PartType = "image_url"
	PartFileURL          PartType = "file_url"
	PartThinking         PartType = "thinking"
	PartRedactedThinking PartType = "redacted_thinking"
)

// ContentPart is one element of a multimodal message body. Content holds the
// payload (text, base64 data, or a URL depending on Type); Options carries
// provider-specific attributes such as media type or thinking signatures.
type ContentPart struct {
	Type    PartType       `json:"type"`
	Content string         `json:"content"`
	Index   int            `json:"index"`
	Options map[string]any `json:"options,omitempty"`
}

// Mergeable reports whether a streamed part delta can be appended onto this
// part. Parts merge when they occupy the same index and have compatible
// types; parts of incompatible types at the same index are kept separate.
func (p ContentPart) Mergeable(delta ContentPart) bool {
	return p.Index == delta.Index && p.Type == delta.Type
}

// MergeParts folds a list of streamed part deltas into an existing part
// list, appending content on index+type matches and keeping everything else
// as new parts in arrival order.
func MergeParts(parts []ContentPart, deltas []ContentPart) []ContentPart {
	merged := append([]ContentPart(nil), parts...)
	for _, d := range deltas {
		idx := -1
		for i := range merged {
			if merged[i].Mergeable(d) {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged = append(merged, d)
			continue
		}
		merged[idx].Content += d.Content
		if len(d.Options) > 0 {
			if merged[idx].Options == nil {
				merged[idx].Options = make(map[string]any, len(d.Options))
			}
			for k, v := range d.Options {
				merged[idx].Options[k] = v
			}
		}
	}
	return merged
}
