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

package tool

import (
	"fmt"

	"github.com/kadirpekel/hive/pkg/protocol"
)

// InterruptError suspends the run instead of failing the tool. It is how a
// delegated sub-agent's approval request bubbles through the parent's tool
// pipeline: the execution loop catches it and parks on the carried data.
type InterruptError struct {
	Data protocol.InterruptData
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("tool: execution interrupted (%d action requests)", len(e.Data.ActionRequests))
}
